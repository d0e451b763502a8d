package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli"

	"github.com/meshcredit/corenet/control"
	"github.com/meshcredit/corenet/cryptoops"
	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/mutualcredit"
	"github.com/meshcredit/corenet/paymentengine"
)

// printJSON renders resp as indented JSON on stdout, mirroring
// cmd/lncli/commands.go's printJson helper minus the proto-specific
// marshaler this core has no use for (every command.Report field is a
// plain Go value).
func printJSON(resp interface{}) {
	b, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fatal(err)
		return
	}
	fmt.Println(string(b))
}

// reportView flattens a control.Report's Err into a plain string before
// marshaling: the error interface's concrete types (sentinel errors, in
// particular) carry no exported fields, so json.Marshal would otherwise
// render a real failure as an uninformative "{}".
type reportView struct {
	RequestId     string                      `json:"requestId"`
	Err           string                      `json:"err,omitempty"`
	PaymentStatus paymentengine.PaymentStatus `json:"paymentStatus,omitempty"`
	Receipts      []paymentengine.Receipt     `json:"receipts,omitempty"`
	Extra         map[string]string           `json:"extra,omitempty"`
}

func printReport(rpt control.Report, extra map[string]string) {
	v := reportView{
		RequestId:     rpt.RequestId,
		PaymentStatus: rpt.PaymentStatus,
		Receipts:      rpt.Receipts,
		Extra:         extra,
	}
	if rpt.Err != nil {
		v.Err = rpt.Err.Error()
	}
	printJSON(v)
}

func parsePubKey(s string) (meshwire.PublicKey, error) {
	var pk meshwire.PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("invalid public key hex %q: %w", s, err)
	}
	if len(b) != meshwire.PublicKeySize {
		return pk, fmt.Errorf("public key %q: want %d bytes, got %d", s, meshwire.PublicKeySize, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func parsePubKeys(s string) ([]meshwire.PublicKey, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]meshwire.PublicKey, len(parts))
	for i, p := range parts {
		pk, err := parsePubKey(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out[i] = pk
	}
	return out, nil
}

func parseHash(s string) (meshwire.HashResult, error) {
	var h meshwire.HashResult
	if s == "" {
		return cryptoops.RandomHash(), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash hex %q: %w", s, err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("hash %q: want %d bytes, got %d", s, len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

func parseU128(s string) (mutualcredit.U128, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return mutualcredit.U128{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return mutualcredit.Uint128FromUint64(v), nil
}

// parseRate accepts "mul,add", e.g. "0,1" for a flat one-unit fee.
func parseRate(s string) (meshwire.Rate, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return meshwire.Rate{}, fmt.Errorf("rate %q: want \"mul,add\"", s)
	}
	mul, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return meshwire.Rate{}, fmt.Errorf("invalid rate mul %q: %w", parts[0], err)
	}
	add, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return meshwire.Rate{}, fmt.Errorf("invalid rate add %q: %w", parts[1], err)
	}
	return meshwire.Rate{Mul: uint32(mul), Add: uint32(add)}, nil
}

func parseRoute(s string) (meshwire.FriendsRoute, error) {
	pks, err := parsePubKeys(s)
	if err != nil {
		return nil, err
	}
	return meshwire.FriendsRoute(pks), nil
}

// requestID returns ctx's --reqid flag, or a fresh random tag if unset, so
// every command carries the application-request-id spec §6 requires
// without forcing the caller to invent one for simple one-shot CLI use.
func requestID(ctx *cli.Context) string {
	if id := ctx.String("reqid"); id != "" {
		return id
	}
	h := cryptoops.RandomHash()
	return hex.EncodeToString(h[:8])
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

var reqIDFlag = cli.StringFlag{
	Name:  "reqid",
	Usage: "application request id to tag this command's report with (default: random)",
}

var addFriendCommand = cli.Command{
	Name:      "addfriend",
	Usage:     "register a new friend by public key",
	ArgsUsage: "pubkey-hex name",
	Flags:     []cli.Flag{reqIDFlag},
	Action: func(ctx *cli.Context) error {
		pk, err := parsePubKey(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		return withNode(ctx, func(tower *control.Tower) error {
			rpt, err := submit(tower, control.Command{
				RequestId: requestID(ctx),
				Kind:      control.CmdAddFriend,
				Friend:    pk,
				Name:      ctx.Args().Get(1),
			})
			printReport(rpt, nil)
			return err
		})
	},
}

var removeFriendCommand = cli.Command{
	Name:      "removefriend",
	Usage:     "remove a friend and its channel",
	ArgsUsage: "pubkey-hex",
	Flags:     []cli.Flag{reqIDFlag},
	Action: func(ctx *cli.Context) error {
		pk, err := parsePubKey(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		return withNode(ctx, func(tower *control.Tower) error {
			rpt, err := submit(tower, control.Command{
				RequestId: requestID(ctx),
				Kind:      control.CmdRemoveFriend,
				Friend:    pk,
			})
			printReport(rpt, nil)
			return err
		})
	},
}

var setFriendNameCommand = cli.Command{
	Name:      "setfriendname",
	Usage:     "rename a friend",
	ArgsUsage: "pubkey-hex name",
	Flags:     []cli.Flag{reqIDFlag},
	Action: func(ctx *cli.Context) error {
		pk, err := parsePubKey(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		return withNode(ctx, func(tower *control.Tower) error {
			rpt, err := submit(tower, control.Command{
				RequestId: requestID(ctx),
				Kind:      control.CmdSetFriendName,
				Friend:    pk,
				Name:      ctx.Args().Get(1),
			})
			printReport(rpt, nil)
			return err
		})
	},
}

var setFriendRelaysCommand = cli.Command{
	Name:      "setfriendrelays",
	Usage:     "set a friend's relay list",
	ArgsUsage: "pubkey-hex relay-pubkey-hex[,relay-pubkey-hex...]",
	Flags:     []cli.Flag{reqIDFlag},
	Action: func(ctx *cli.Context) error {
		pk, err := parsePubKey(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		relays, err := parsePubKeys(ctx.Args().Get(1))
		if err != nil {
			return err
		}
		return withNode(ctx, func(tower *control.Tower) error {
			rpt, err := submit(tower, control.Command{
				RequestId: requestID(ctx),
				Kind:      control.CmdSetFriendRelays,
				Friend:    pk,
				Relays:    relays,
			})
			printReport(rpt, nil)
			return err
		})
	},
}

var setFriendCurrencyRateCommand = cli.Command{
	Name:      "setfriendcurrencyrate",
	Usage:     "set the mediation rate charged on a friend's outgoing hop",
	ArgsUsage: "pubkey-hex mul,add",
	Flags:     []cli.Flag{reqIDFlag},
	Action: func(ctx *cli.Context) error {
		pk, err := parsePubKey(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		rate, err := parseRate(ctx.Args().Get(1))
		if err != nil {
			return err
		}
		return withNode(ctx, func(tower *control.Tower) error {
			rpt, err := submit(tower, control.Command{
				RequestId: requestID(ctx),
				Kind:      control.CmdSetFriendCurrencyRate,
				Friend:    pk,
				Rate:      rate,
			})
			printReport(rpt, nil)
			return err
		})
	},
}

var setFriendCurrencyMaxDebtCommand = cli.Command{
	Name:      "setfriendcurrencymaxdebt",
	Usage:     "set remoteMaxDebt for one friend/currency pair",
	ArgsUsage: "pubkey-hex currency amount",
	Flags:     []cli.Flag{reqIDFlag},
	Action: func(ctx *cli.Context) error {
		pk, err := parsePubKey(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		amount, err := parseU128(ctx.Args().Get(2))
		if err != nil {
			return err
		}
		return withNode(ctx, func(tower *control.Tower) error {
			rpt, err := submit(tower, control.Command{
				RequestId: requestID(ctx),
				Kind:      control.CmdSetFriendCurrencyMaxDebt,
				Friend:    pk,
				Currency:  meshwire.Currency(ctx.Args().Get(1)),
				MaxDebt:   amount,
			})
			printReport(rpt, nil)
			return err
		})
	},
}

func currencyToggleCommand(name, usage string, kind control.CommandKind) cli.Command {
	return cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "pubkey-hex currency",
		Flags:     []cli.Flag{reqIDFlag, cli.BoolFlag{Name: "requests-open", Usage: "also enable inbound requests on this currency"}},
		Action: func(ctx *cli.Context) error {
			pk, err := parsePubKey(ctx.Args().Get(0))
			if err != nil {
				return err
			}
			return withNode(ctx, func(tower *control.Tower) error {
				rpt, err := submit(tower, control.Command{
					RequestId:   requestID(ctx),
					Kind:        kind,
					Friend:      pk,
					Currency:    meshwire.Currency(ctx.Args().Get(1)),
					RequestOpen: ctx.Bool("requests-open"),
				})
				printReport(rpt, nil)
				return err
			})
		},
	}
}

var openFriendCurrencyCommand = currencyToggleCommand("openfriendcurrency", "open a currency on a friend's channel", control.CmdOpenFriendCurrency)
var closeFriendCurrencyCommand = currencyToggleCommand("closefriendcurrency", "close a currency on a friend's channel", control.CmdCloseFriendCurrency)
var removeFriendCurrencyCommand = currencyToggleCommand("removefriendcurrency", "remove a currency from a friend's channel", control.CmdRemoveFriendCurrency)

func friendEnableCommand(name, usage string, kind control.CommandKind) cli.Command {
	return cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "pubkey-hex",
		Flags:     []cli.Flag{reqIDFlag},
		Action: func(ctx *cli.Context) error {
			pk, err := parsePubKey(ctx.Args().Get(0))
			if err != nil {
				return err
			}
			return withNode(ctx, func(tower *control.Tower) error {
				rpt, err := submit(tower, control.Command{
					RequestId: requestID(ctx),
					Kind:      kind,
					Friend:    pk,
				})
				printReport(rpt, nil)
				return err
			})
		},
	}
}

var enableFriendCommand = friendEnableCommand("enablefriend", "mark a friend enabled (resumes outbound token activity)", control.CmdEnableFriend)
var disableFriendCommand = friendEnableCommand("disablefriend", "mark a friend disabled (pauses outbound token activity)", control.CmdDisableFriend)
var resetFriendChannelCommand = friendEnableCommand("resetfriendchannel", "force this friend's channel into inconsistency and offer reset terms", control.CmdResetFriendChannel)

var addInvoiceCommand = cli.Command{
	Name:      "addinvoice",
	Usage:     "open an invoice as seller",
	ArgsUsage: "currency total-dest-payment",
	Flags:     []cli.Flag{reqIDFlag, cli.StringFlag{Name: "invoice-id", Usage: "hex invoice id (default: random)"}},
	Action: func(ctx *cli.Context) error {
		invoiceID, err := parseHash(ctx.String("invoice-id"))
		if err != nil {
			return err
		}
		total, err := parseU128(ctx.Args().Get(1))
		if err != nil {
			return err
		}
		return withNode(ctx, func(tower *control.Tower) error {
			rpt, err := submit(tower, control.Command{
				RequestId:        requestID(ctx),
				Kind:             control.CmdAddInvoice,
				InvoiceId:        invoiceID,
				Currency:         meshwire.Currency(ctx.Args().Get(0)),
				TotalDestPayment: total,
			})
			printReport(rpt, map[string]string{"invoiceId": hex.EncodeToString(invoiceID[:])})
			return err
		})
	},
}

var cancelInvoiceCommand = cli.Command{
	Name:      "cancelinvoice",
	Usage:     "cancel an open invoice",
	ArgsUsage: "invoice-id-hex currency",
	Flags:     []cli.Flag{reqIDFlag},
	Action: func(ctx *cli.Context) error {
		invoiceID, err := parseHash(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		return withNode(ctx, func(tower *control.Tower) error {
			rpt, err := submit(tower, control.Command{
				RequestId: requestID(ctx),
				Kind:      control.CmdCancelInvoice,
				InvoiceId: invoiceID,
				Currency:  meshwire.Currency(ctx.Args().Get(1)),
			})
			printReport(rpt, nil)
			return err
		})
	},
}

// commitInvoiceCommand takes a MultiCommit as a JSON document on the
// command line rather than positional args: a MultiCommit aggregates an
// arbitrary number of per-route Commit values, which does not fit urfave/
// cli's flat positional-argument model the way the single-entity commands
// above do.
var commitInvoiceCommand = cli.Command{
	Name:      "commitinvoice",
	Usage:     "settle an invoice from a JSON-encoded MultiCommit",
	ArgsUsage: "multicommit.json",
	Flags:     []cli.Flag{reqIDFlag},
	Action: func(ctx *cli.Context) error {
		raw, err := readFile(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		var mc paymentengine.MultiCommit
		if err := json.Unmarshal(raw, &mc); err != nil {
			return fmt.Errorf("decode MultiCommit: %w", err)
		}
		return withNode(ctx, func(tower *control.Tower) error {
			rpt, err := submit(tower, control.Command{
				RequestId:   requestID(ctx),
				Kind:        control.CmdCommitInvoice,
				MultiCommit: mc,
			})
			printReport(rpt, nil)
			return err
		})
	},
}

var createPaymentCommand = cli.Command{
	Name:      "createpayment",
	Usage:     "allocate an in-progress payment as buyer",
	ArgsUsage: "invoice-id-hex currency total-dest-payment dest-pubkey-hex",
	Flags:     []cli.Flag{reqIDFlag, cli.StringFlag{Name: "payment-id", Usage: "hex payment id (default: random)"}},
	Action: func(ctx *cli.Context) error {
		paymentID, err := parseHash(ctx.String("payment-id"))
		if err != nil {
			return err
		}
		invoiceID, err := parseHash(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		total, err := parseU128(ctx.Args().Get(2))
		if err != nil {
			return err
		}
		dest, err := parsePubKey(ctx.Args().Get(3))
		if err != nil {
			return err
		}
		return withNode(ctx, func(tower *control.Tower) error {
			rpt, err := submit(tower, control.Command{
				RequestId:        requestID(ctx),
				Kind:             control.CmdCreatePayment,
				InvoiceId:        invoiceID,
				Currency:         meshwire.Currency(ctx.Args().Get(1)),
				TotalDestPayment: total,
				PaymentId:        paymentID,
				DestPublicKey:    dest,
			})
			printReport(rpt, map[string]string{"paymentId": hex.EncodeToString(paymentID[:])})
			return err
		})
	},
}

var createTransactionCommand = cli.Command{
	Name:      "createtransaction",
	Usage:     "enqueue a Request along one route of an in-progress payment",
	ArgsUsage: "payment-id-hex route-pubkey-hex[,...] dest-payment fees",
	Flags:     []cli.Flag{reqIDFlag, cli.StringFlag{Name: "tx-id", Usage: "hex request id (default: random)"}},
	Action: func(ctx *cli.Context) error {
		paymentID, err := parseHash(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		txID, err := parseHash(ctx.String("tx-id"))
		if err != nil {
			return err
		}
		route, err := parseRoute(ctx.Args().Get(1))
		if err != nil {
			return err
		}
		destPayment, err := parseU128(ctx.Args().Get(2))
		if err != nil {
			return err
		}
		fees, err := parseU128(ctx.Args().Get(3))
		if err != nil {
			return err
		}
		return withNode(ctx, func(tower *control.Tower) error {
			rpt, err := submit(tower, control.Command{
				RequestId:   requestID(ctx),
				Kind:        control.CmdCreateTransaction,
				PaymentId:   paymentID,
				TxRequestId: txID,
				Route:       route,
				DestPayment: destPayment,
				Fees:        fees,
			})
			printReport(rpt, map[string]string{"requestId": hex.EncodeToString(txID[:])})
			return err
		})
	},
}

var requestClosePaymentCommand = cli.Command{
	Name:      "requestclosepayment",
	Usage:     "poll a payment's terminal status and any collected receipts",
	ArgsUsage: "payment-id-hex",
	Flags:     []cli.Flag{reqIDFlag},
	Action: func(ctx *cli.Context) error {
		paymentID, err := parseHash(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		return withNode(ctx, func(tower *control.Tower) error {
			rpt, err := submit(tower, control.Command{
				RequestId: requestID(ctx),
				Kind:      control.CmdRequestClosePayment,
				PaymentId: paymentID,
			})
			printReport(rpt, nil)
			return err
		})
	},
}

var ackClosePaymentCommand = cli.Command{
	Name:      "ackclosepayment",
	Usage:     "acknowledge a payment's terminal status, permitting garbage collection",
	ArgsUsage: "payment-id-hex",
	Flags:     []cli.Flag{reqIDFlag},
	Action: func(ctx *cli.Context) error {
		paymentID, err := parseHash(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		return withNode(ctx, func(tower *control.Tower) error {
			rpt, err := submit(tower, control.Command{
				RequestId: requestID(ctx),
				Kind:      control.CmdAckClosePayment,
				PaymentId: paymentID,
			})
			printReport(rpt, nil)
			return err
		})
	},
}
