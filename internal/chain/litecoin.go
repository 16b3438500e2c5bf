package chain

import "github.com/btcsuite/btcd/chaincfg"

// Litecoin reuses btcd's script machinery with its own address prefixes.
// The params are cloned from the closest Bitcoin network and adjusted.

var (
	ltcMainNetParams = cloneParams(&chaincfg.MainNetParams, func(p *chaincfg.Params) {
		p.Name = "ltc-mainnet"
		p.Net = 0xdbb6c0fb
		p.Bech32HRPSegwit = "ltc"
		p.PubKeyHashAddrID = 0x30
		p.ScriptHashAddrID = 0x32
		p.PrivateKeyID = 0xb0
		p.HDPrivateKeyID = [4]byte{0x01, 0x9d, 0x9c, 0xfe} // Ltpv
		p.HDPublicKeyID = [4]byte{0x01, 0x9d, 0xa4, 0x62}  // Ltub
	})

	ltcTestNetParams = cloneParams(&chaincfg.TestNet3Params, func(p *chaincfg.Params) {
		p.Name = "ltc-testnet4"
		p.Net = 0xf1c8d2fd
		p.Bech32HRPSegwit = "tltc"
		p.PubKeyHashAddrID = 0x6f
		p.ScriptHashAddrID = 0x3a
		p.PrivateKeyID = 0xef
	})

	ltcRegtestParams = cloneParams(&chaincfg.RegressionNetParams, func(p *chaincfg.Params) {
		p.Name = "ltc-regtest"
		p.Net = 0xdab5bffa
		p.Bech32HRPSegwit = "rltc"
		p.PubKeyHashAddrID = 0x6f
		p.ScriptHashAddrID = 0x3a
		p.PrivateKeyID = 0xef
	})
)

func cloneParams(base *chaincfg.Params, adjust func(*chaincfg.Params)) *chaincfg.Params {
	params := *base
	adjust(&params)
	// Registration makes base58 prefix checks in btcutil work for the
	// cloned network. Duplicates only occur in tests re-importing the
	// package, which Register tolerates by erroring; ignore it.
	_ = chaincfg.Register(&params)
	return &params
}

func init() {
	Register("LTC", Mainnet, &Currency{
		Symbol:           "LTC",
		Name:             "Litecoin",
		Decimals:         8,
		CoinType:         2,
		Params:           ltcMainNetParams,
		MinFeeRate:       2,
		BlockTimeSeconds: 150,
	})

	Register("LTC", Testnet, &Currency{
		Symbol:           "LTC",
		Name:             "Litecoin Testnet",
		Decimals:         8,
		CoinType:         1,
		Params:           ltcTestNetParams,
		MinFeeRate:       2,
		BlockTimeSeconds: 150,
	})

	Register("LTC", Regtest, &Currency{
		Symbol:           "LTC",
		Name:             "Litecoin Regtest",
		Decimals:         8,
		CoinType:         1,
		Params:           ltcRegtestParams,
		MinFeeRate:       2,
		BlockTimeSeconds: 150,
	})
}
