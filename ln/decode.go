package ln

import (
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
	pkgerrors "github.com/pkg/errors"
)

// ErrZeroAmountInvoice means the decoded invoice carried no amount. We
// don't support paying those, the amount is what the ledger reserves.
var ErrZeroAmountInvoice = errors.New("invoice has no amount")

// DecodedBolt11 is the subset of a decoded payment request the ledger
// cares about
type DecodedBolt11 struct {
	Msats int64
	// Hash is the hex encoded payment hash
	Hash string
	// Description is the memo encoded into the invoice
	Description string
}

// DecodeBolt11 decodes a payment request without talking to the node
func DecodeBolt11(bolt11 string, network chaincfg.Params) (DecodedBolt11, error) {
	decoded, err := zpay32.Decode(bolt11, &network)
	if err != nil {
		return DecodedBolt11{}, pkgerrors.Wrap(err, "could not decode payment request")
	}

	if decoded.MilliSat == nil || *decoded.MilliSat == 0 {
		return DecodedBolt11{}, ErrZeroAmountInvoice
	}

	var description string
	if decoded.Description != nil {
		description = *decoded.Description
	}

	return DecodedBolt11{
		Msats:       int64(*decoded.MilliSat),
		Hash:        hex.EncodeToString(decoded.PaymentHash[:]),
		Description: description,
	}, nil
}
