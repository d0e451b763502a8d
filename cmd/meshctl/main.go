// Command meshctl is a thin control-surface CLI for a single running
// mutual-credit node, one cli.Command per control.Command kind, grounded on
// cmd/lncli/main.go's app-scaffolding shape (a urfave/cli.App with global
// connection flags plus one flat command list).
//
// Unlike lncli, this core has no RPC transport in its scope (spec §1 lists
// the application-control surface as an external collaborator): meshctl
// instead opens the same on-disk store the daemon would, spins up a
// node.Node with no live transport/relay/index collaborators, submits
// exactly one control.Command through its Tower, waits for the Report, and
// exits. This mirrors how lncli's getClient dials a connection, issues one
// RPC, and tears the connection down, substituting an in-process
// node.Node lifecycle for the gRPC dial.
package main

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/urfave/cli"

	"github.com/meshcredit/corenet/control"
	"github.com/meshcredit/corenet/meshlog"
	"github.com/meshcredit/corenet/node"
)

const defaultDBFilename = "meshcredit.db"

var defaultDBPath = filepath.Join(defaultDataDir(), defaultDBFilename)

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".meshcredit")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[meshctl] %v\n", err)
	os.Exit(1)
}

// withNode opens the store at ctx's --dbpath, loads (or generates, on first
// run) the node's identity key from --keyfile, starts a node.Node's
// dispatch loop with no live transport/relay/index, runs fn against its
// control.Tower, and shuts the node back down once fn returns. Every
// command action funnels through this so the daemon lifecycle is opened
// and closed exactly once per invocation.
func withNode(ctx *cli.Context, fn func(tower *control.Tower) error) error {
	priv, err := loadOrCreateKey(ctx.GlobalString("keyfile"))
	if err != nil {
		return err
	}

	meshlog.SetLevel("NODE", ctx.GlobalString("loglevel"))

	tower := control.NewTower()
	n, err := node.Open(node.Config{
		PrivateKey: priv,
		DBPath:     ctx.GlobalString("dbpath"),
	}, tower, nil, nil)
	if err != nil {
		return err
	}
	go n.Run()
	defer n.Close()

	return fn(tower)
}

func loadOrCreateKey(path string) (*btcec.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		b, decErr := hex.DecodeString(string(bytes.TrimSpace(raw)))
		if decErr != nil {
			return nil, fmt.Errorf("meshctl: malformed keyfile %s: %w", path, decErr)
		}
		priv, _ := btcec.PrivKeyFromBytes(b)
		return priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(buf[:])

	if dir := filepath.Dir(path); dir != "." {
		if mkErr := os.MkdirAll(dir, 0o700); mkErr != nil {
			return nil, mkErr
		}
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(buf[:])), 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}

// submit issues cmd through tower and reports a non-nil Report.Err as the
// command's failure, matching the report-tagged-by-request-id contract of
// spec §6.
func submit(tower *control.Tower, cmd control.Command) (control.Report, error) {
	rpt := tower.Submit(cmd)
	if rpt.Err != nil {
		return rpt, rpt.Err
	}
	return rpt, nil
}

func main() {
	app := cli.NewApp()
	app.Name = "meshctl"
	app.Version = "0.1"
	app.Usage = "control plane for a meshcredit mutual-credit node"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "dbpath",
			Value: defaultDBPath,
			Usage: "path to the node's bbolt database",
		},
		cli.StringFlag{
			Name:  "keyfile",
			Value: filepath.Join(defaultDataDir(), "identity.key"),
			Usage: "path to this node's hex-encoded identity private key (created on first use)",
		},
		cli.StringFlag{
			Name:  "loglevel",
			Value: "info",
			Usage: "node subsystem log level",
		},
	}
	app.Commands = []cli.Command{
		addFriendCommand,
		removeFriendCommand,
		setFriendNameCommand,
		setFriendRelaysCommand,
		setFriendCurrencyRateCommand,
		setFriendCurrencyMaxDebtCommand,
		openFriendCurrencyCommand,
		closeFriendCurrencyCommand,
		removeFriendCurrencyCommand,
		enableFriendCommand,
		disableFriendCommand,
		resetFriendChannelCommand,

		addInvoiceCommand,
		cancelInvoiceCommand,
		commitInvoiceCommand,
		createPaymentCommand,
		createTransactionCommand,
		requestClosePaymentCommand,
		ackClosePaymentCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
