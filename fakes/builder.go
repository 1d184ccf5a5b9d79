package fakes

import (
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"competition-coordinator/contract"
)

// NewBuilder returns a regtest contract builder whose coordinator and
// payout keys live in keys.
func NewBuilder(keys *Keyring) *contract.Builder {
	payout := keys.Key("coordinator-payout")
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(payout.PubKey()), &chaincfg.RegressionNetParams)
	if err != nil {
		panic(err)
	}
	b, err := contract.NewBuilder(contract.BuilderConfig{
		CoordinatorPubkey: keys.PubKey("coordinator"),
		PayoutAddress:     addr.EncodeAddress(),
		Net:               &chaincfg.RegressionNetParams,
	})
	if err != nil {
		panic(err)
	}
	return b
}
