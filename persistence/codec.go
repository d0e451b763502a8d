package persistence

import (
	"io"

	"github.com/meshcredit/corenet/meshswitch"
	"github.com/meshcredit/corenet/paymentengine"
)

// --- meshswitch.PendingTransaction ---

func encodePendingTxBuf(w io.Writer, pt *meshswitch.PendingTransaction) error {
	if err := writeHash(w, pt.RequestId); err != nil {
		return err
	}
	if err := writeCurrency(w, pt.Currency); err != nil {
		return err
	}
	if err := writeRoute(w, pt.Route); err != nil {
		return err
	}
	if err := writeUvarintW(w, uint64(pt.Position)); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(pt.Role)}); err != nil {
		return err
	}
	if err := writeHash(w, pt.SrcHashedLock); err != nil {
		return err
	}
	if err := writeHash(w, pt.DestHashedLock); err != nil {
		return err
	}
	if err := writeHash(w, pt.DestPlainLock); err != nil {
		return err
	}
	if err := writeU128(w, pt.DestPayment); err != nil {
		return err
	}
	if err := writeU128(w, pt.TotalDestPayment); err != nil {
		return err
	}
	if err := writeHash(w, pt.InvoiceHash); err != nil {
		return err
	}
	return writeU128(w, pt.LeftFees)
}

func decodePendingTxBuf(r io.Reader) (*meshswitch.PendingTransaction, error) {
	pt := &meshswitch.PendingTransaction{}
	var err error
	if pt.RequestId, err = readHash(r); err != nil {
		return nil, err
	}
	if pt.Currency, err = readCurrency(r); err != nil {
		return nil, err
	}
	if pt.Route, err = readRoute(r); err != nil {
		return nil, err
	}
	pos, err := readUvarintR(r)
	if err != nil {
		return nil, err
	}
	pt.Position = int(pos)
	var roleBuf [1]byte
	if _, err := io.ReadFull(r, roleBuf[:]); err != nil {
		return nil, err
	}
	pt.Role = meshswitch.Role(roleBuf[0])
	if pt.SrcHashedLock, err = readHash(r); err != nil {
		return nil, err
	}
	if pt.DestHashedLock, err = readHash(r); err != nil {
		return nil, err
	}
	if pt.DestPlainLock, err = readHash(r); err != nil {
		return nil, err
	}
	if pt.DestPayment, err = readU128(r); err != nil {
		return nil, err
	}
	if pt.TotalDestPayment, err = readU128(r); err != nil {
		return nil, err
	}
	if pt.InvoiceHash, err = readHash(r); err != nil {
		return nil, err
	}
	if pt.LeftFees, err = readU128(r); err != nil {
		return nil, err
	}
	return pt, nil
}

// --- paymentengine.Invoice ---

func encodeInvoiceBuf(w io.Writer, inv *paymentengine.Invoice) error {
	if err := writeHash(w, inv.InvoiceId); err != nil {
		return err
	}
	if err := writeCurrency(w, inv.Currency); err != nil {
		return err
	}
	if err := writeU128(w, inv.TotalDestPayment); err != nil {
		return err
	}
	if err := writeU128(w, inv.Collected); err != nil {
		return err
	}
	_, err := w.Write([]byte{byte(inv.Status)})
	return err
}

func decodeInvoiceBuf(r io.Reader) (*paymentengine.Invoice, error) {
	inv := &paymentengine.Invoice{}
	var err error
	if inv.InvoiceId, err = readHash(r); err != nil {
		return nil, err
	}
	if inv.Currency, err = readCurrency(r); err != nil {
		return nil, err
	}
	if inv.TotalDestPayment, err = readU128(r); err != nil {
		return nil, err
	}
	if inv.Collected, err = readU128(r); err != nil {
		return nil, err
	}
	var statusBuf [1]byte
	if _, err := io.ReadFull(r, statusBuf[:]); err != nil {
		return nil, err
	}
	inv.Status = paymentengine.InvoiceStatus(statusBuf[0])
	return inv, nil
}

// --- paymentengine.Transaction / Receipt / Payment ---

func encodeTransactionBuf(w io.Writer, tx *paymentengine.Transaction) error {
	if err := writeHash(w, tx.RequestId); err != nil {
		return err
	}
	if err := writeRoute(w, tx.Route); err != nil {
		return err
	}
	if err := writeCurrency(w, tx.Currency); err != nil {
		return err
	}
	if err := writeU128(w, tx.DestPayment); err != nil {
		return err
	}
	if err := writeU128(w, tx.Fees); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(tx.State)}); err != nil {
		return err
	}
	if err := writeHash(w, tx.SrcPlainLock); err != nil {
		return err
	}
	if err := writeHash(w, tx.SrcHashedLock); err != nil {
		return err
	}
	if err := writeHash(w, tx.DestHashedLock); err != nil {
		return err
	}
	if err := writeHash(w, tx.RandNonce); err != nil {
		return err
	}
	if err := writeSig(w, tx.Signature); err != nil {
		return err
	}
	return writeHash(w, tx.DestPlainLockFromSeller)
}

func decodeTransactionBuf(r io.Reader) (*paymentengine.Transaction, error) {
	tx := &paymentengine.Transaction{}
	var err error
	if tx.RequestId, err = readHash(r); err != nil {
		return nil, err
	}
	if tx.Route, err = readRoute(r); err != nil {
		return nil, err
	}
	if tx.Currency, err = readCurrency(r); err != nil {
		return nil, err
	}
	if tx.DestPayment, err = readU128(r); err != nil {
		return nil, err
	}
	if tx.Fees, err = readU128(r); err != nil {
		return nil, err
	}
	var stateBuf [1]byte
	if _, err := io.ReadFull(r, stateBuf[:]); err != nil {
		return nil, err
	}
	tx.State = paymentengine.TransactionState(stateBuf[0])
	if tx.SrcPlainLock, err = readHash(r); err != nil {
		return nil, err
	}
	if tx.SrcHashedLock, err = readHash(r); err != nil {
		return nil, err
	}
	if tx.DestHashedLock, err = readHash(r); err != nil {
		return nil, err
	}
	if tx.RandNonce, err = readHash(r); err != nil {
		return nil, err
	}
	if tx.Signature, err = readSig(r); err != nil {
		return nil, err
	}
	if tx.DestPlainLockFromSeller, err = readHash(r); err != nil {
		return nil, err
	}
	return tx, nil
}

func encodeReceiptBuf(w io.Writer, rcpt paymentengine.Receipt) error {
	if err := writeHash(w, rcpt.RequestId); err != nil {
		return err
	}
	if err := writeHash(w, rcpt.InvoiceId); err != nil {
		return err
	}
	if err := writeCurrency(w, rcpt.Currency); err != nil {
		return err
	}
	if err := writeU128(w, rcpt.DestPayment); err != nil {
		return err
	}
	if err := writeHash(w, rcpt.SrcPlainLock); err != nil {
		return err
	}
	if err := writeHash(w, rcpt.DestHashedLock); err != nil {
		return err
	}
	if err := writeHash(w, rcpt.RandNonce); err != nil {
		return err
	}
	return writeSig(w, rcpt.Signature)
}

func decodeReceiptBuf(r io.Reader) (paymentengine.Receipt, error) {
	var rcpt paymentengine.Receipt
	var err error
	if rcpt.RequestId, err = readHash(r); err != nil {
		return rcpt, err
	}
	if rcpt.InvoiceId, err = readHash(r); err != nil {
		return rcpt, err
	}
	if rcpt.Currency, err = readCurrency(r); err != nil {
		return rcpt, err
	}
	if rcpt.DestPayment, err = readU128(r); err != nil {
		return rcpt, err
	}
	if rcpt.SrcPlainLock, err = readHash(r); err != nil {
		return rcpt, err
	}
	if rcpt.DestHashedLock, err = readHash(r); err != nil {
		return rcpt, err
	}
	if rcpt.RandNonce, err = readHash(r); err != nil {
		return rcpt, err
	}
	rcpt.Signature, err = readSig(r)
	return rcpt, err
}

func encodePaymentBuf(w io.Writer, p *paymentengine.Payment, transactions []*paymentengine.Transaction) error {
	if err := writeHash(w, p.PaymentId); err != nil {
		return err
	}
	if err := writeHash(w, p.InvoiceId); err != nil {
		return err
	}
	if err := writeCurrency(w, p.Currency); err != nil {
		return err
	}
	if err := writeU128(w, p.TotalDestPayment); err != nil {
		return err
	}
	if err := writePk(w, p.DestPublicKey); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(p.Status)}); err != nil {
		return err
	}

	if err := writeUvarintW(w, uint64(len(transactions))); err != nil {
		return err
	}
	for _, tx := range transactions {
		if err := encodeTransactionBuf(w, tx); err != nil {
			return err
		}
	}

	if err := writeUvarintW(w, uint64(len(p.Receipts))); err != nil {
		return err
	}
	for _, rcpt := range p.Receipts {
		if err := encodeReceiptBuf(w, rcpt); err != nil {
			return err
		}
	}
	return nil
}

func decodePaymentBuf(r io.Reader) (*DecodedPayment, error) {
	dp := &DecodedPayment{}
	p := &dp.Payment
	var err error
	if p.PaymentId, err = readHash(r); err != nil {
		return nil, err
	}
	if p.InvoiceId, err = readHash(r); err != nil {
		return nil, err
	}
	if p.Currency, err = readCurrency(r); err != nil {
		return nil, err
	}
	if p.TotalDestPayment, err = readU128(r); err != nil {
		return nil, err
	}
	if p.DestPublicKey, err = readPk(r); err != nil {
		return nil, err
	}
	var statusBuf [1]byte
	if _, err := io.ReadFull(r, statusBuf[:]); err != nil {
		return nil, err
	}
	p.Status = paymentengine.PaymentStatus(statusBuf[0])

	numTx, err := readUvarintR(r)
	if err != nil {
		return nil, err
	}
	dp.Transactions = make([]paymentengine.Transaction, numTx)
	for i := uint64(0); i < numTx; i++ {
		tx, err := decodeTransactionBuf(r)
		if err != nil {
			return nil, err
		}
		dp.Transactions[i] = *tx
	}

	numReceipts, err := readUvarintR(r)
	if err != nil {
		return nil, err
	}
	p.Receipts = make([]paymentengine.Receipt, numReceipts)
	for i := uint64(0); i < numReceipts; i++ {
		if p.Receipts[i], err = decodeReceiptBuf(r); err != nil {
			return nil, err
		}
	}
	return dp, nil
}
