package node

import (
	"time"

	"github.com/meshcredit/corenet/control"
	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/mutualcredit"
	"github.com/meshcredit/corenet/persistence"
	"github.com/meshcredit/corenet/tokenchannel"
)

// handleCommand dispatches one control.Command to its collaborator and
// builds the Report the caller is blocked waiting for, the single switch
// spec §4.8 describes as "the core acknowledges by emitting a report
// mutation tagged with that id".
func (n *Node) handleCommand(cmd control.Command) control.Report {
	rpt := control.Report{RequestId: cmd.RequestId}
	if n.fatal {
		rpt.Err = ErrFatalStore
		return rpt
	}

	switch cmd.Kind {
	case control.CmdAddFriend:
		rpt.Err = n.addFriend(cmd.Friend, cmd.Name)
	case control.CmdRemoveFriend:
		rpt.Err = n.removeFriend(cmd.Friend)
	case control.CmdSetFriendName:
		rpt.Err = n.setFriendName(cmd.Friend, cmd.Name)
	case control.CmdSetFriendRelays:
		rpt.Err = n.setFriendRelays(cmd.Friend, cmd.Relays)
	case control.CmdSetFriendCurrencyRate:
		rpt.Err = n.setFriendCurrencyRate(cmd.Friend, cmd.Rate)
	case control.CmdSetFriendCurrencyMaxDebt:
		rpt.Err = n.setFriendCurrencyMaxDebt(cmd.Friend, cmd.Currency, cmd.MaxDebt)
	case control.CmdOpenFriendCurrency:
		rpt.Err = n.setCurrencyActive(cmd.Friend, cmd.Currency, true, cmd.RequestOpen)
	case control.CmdCloseFriendCurrency, control.CmdRemoveFriendCurrency:
		rpt.Err = n.setCurrencyActive(cmd.Friend, cmd.Currency, false, false)
	case control.CmdEnableFriend:
		rpt.Err = n.setFriendEnabled(cmd.Friend, true)
	case control.CmdDisableFriend:
		rpt.Err = n.setFriendEnabled(cmd.Friend, false)
	case control.CmdResetFriendChannel:
		rpt.Err = n.triggerReset(cmd.Friend)

	case control.CmdAddInvoice:
		_, rpt.Err = n.invoices.AddInvoice(cmd.InvoiceId, cmd.Currency, cmd.TotalDestPayment)
	case control.CmdCancelInvoice:
		rpt.Err = n.invoices.CancelInvoice(cmd.InvoiceId, cmd.Currency)
	case control.CmdCommitInvoice:
		rpt.Err = n.invoices.CommitInvoice(cmd.MultiCommit)
	case control.CmdCreatePayment:
		_, rpt.Err = n.payments.CreatePayment(cmd.PaymentId, cmd.InvoiceId, cmd.Currency, cmd.TotalDestPayment, cmd.DestPublicKey)
	case control.CmdCreateTransaction:
		rpt.Err = n.payments.CreateTransaction(cmd.PaymentId, cmd.TxRequestId, cmd.Route, cmd.DestPayment, cmd.Fees)
	case control.CmdRequestClosePayment:
		rpt.PaymentStatus, rpt.Receipts, rpt.Err = n.payments.RequestClosePayment(cmd.PaymentId)
	case control.CmdAckClosePayment:
		rpt.Err = n.payments.AckClosePayment(cmd.PaymentId)

	default:
		rpt.Err = ErrUnknownCommand
	}
	return rpt
}

func (n *Node) addFriend(pk meshwire.PublicKey, name string) error {
	if _, exists := n.friends[pk]; exists {
		return ErrFriendExists
	}
	ch := tokenchannel.New(n.localPk, pk)
	n.funder.AddFriend(pk, ch)
	n.friends[pk] = &friendLink{
		pk:           pk,
		name:         name,
		enabled:      true,
		lastActivity: time.Now(),
	}
	return n.persistFriend(pk)
}

func (n *Node) removeFriend(pk meshwire.PublicKey) error {
	link, ok := n.friends[pk]
	if !ok {
		return ErrUnknownFriend
	}
	if link.channel != nil {
		_ = link.channel.Close()
	}
	n.funder.RemoveFriend(pk)
	delete(n.friends, pk)
	delete(n.rates, pk)
	return n.storeApply([]persistence.Mutation{
		persistence.DeleteFriend(pk),
		persistence.DeleteTokenChannel(pk),
	})
}

func (n *Node) setFriendName(pk meshwire.PublicKey, name string) error {
	link, ok := n.friends[pk]
	if !ok {
		return ErrUnknownFriend
	}
	link.name = name
	return nil
}

func (n *Node) setFriendRelays(pk meshwire.PublicKey, relays []meshwire.PublicKey) error {
	ch, ok := n.funder.Channel(pk)
	if !ok {
		return ErrUnknownFriend
	}
	want := make(map[meshwire.PublicKey]bool, len(relays))
	for _, r := range relays {
		want[r] = true
	}
	current := make(map[meshwire.PublicKey]bool, len(ch.RemoteRelays))
	for _, r := range ch.RemoteRelays {
		current[r] = true
	}
	for r := range want {
		if !current[r] {
			if err := n.funder.EnqueueRelayDiff(pk, r); err != nil {
				return err
			}
		}
	}
	for r := range current {
		if !want[r] {
			if err := n.funder.EnqueueRelayDiff(pk, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *Node) setFriendCurrencyRate(pk meshwire.PublicKey, rate meshwire.Rate) error {
	if _, ok := n.friends[pk]; !ok {
		return ErrUnknownFriend
	}
	n.router.SetRate(pk, rate)
	n.rates[pk] = rate
	return nil
}

func (n *Node) setFriendCurrencyMaxDebt(pk meshwire.PublicKey, currency meshwire.Currency, maxDebt mutualcredit.U128) error {
	if _, ok := n.friends[pk]; !ok {
		return ErrUnknownFriend
	}
	n.funder.Enqueue(pk, currency, &meshwire.SetRemoteMaxDebtOp{MaxDebt: maxDebt}, nil)
	return nil
}

// setCurrencyActive opens or closes currency on friend's channel, toggling
// the funder-queued currency diff only if the current membership disagrees
// with want, and (when opening) also queues an Enable/DisableRequestsOp
// reflecting requestsOpen.
func (n *Node) setCurrencyActive(pk meshwire.PublicKey, currency meshwire.Currency, want, requestsOpen bool) error {
	ch, ok := n.funder.Channel(pk)
	if !ok {
		return ErrUnknownFriend
	}
	_, active := ch.Currencies[currency]
	if active != want {
		if err := n.funder.EnqueueCurrencyDiff(pk, currency); err != nil {
			return err
		}
	}
	if want {
		if requestsOpen {
			n.funder.Enqueue(pk, currency, &meshwire.EnableRequestsOp{}, nil)
		} else {
			n.funder.Enqueue(pk, currency, &meshwire.DisableRequestsOp{}, nil)
		}
	}
	return nil
}

func (n *Node) setFriendEnabled(pk meshwire.PublicKey, enabled bool) error {
	link, ok := n.friends[pk]
	if !ok {
		return ErrUnknownFriend
	}
	if err := n.funder.SetLive(pk, enabled); err != nil {
		return err
	}
	link.enabled = enabled
	return n.persistFriend(pk)
}

func (n *Node) triggerReset(pk meshwire.PublicKey) error {
	ch, ok := n.funder.Channel(pk)
	if !ok {
		return ErrUnknownFriend
	}
	terms := ch.DetectInconsistency(n.cfg.PrivateKey)
	if err := n.persistFriend(pk); err != nil {
		return err
	}
	return n.send(pk, terms)
}
