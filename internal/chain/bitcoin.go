package chain

import "github.com/btcsuite/btcd/chaincfg"

func init() {
	Register("BTC", Mainnet, &Currency{
		Symbol:           "BTC",
		Name:             "Bitcoin",
		Decimals:         8,
		CoinType:         0,
		Params:           &chaincfg.MainNetParams,
		MinFeeRate:       2,
		BlockTimeSeconds: 600,
	})

	Register("BTC", Testnet, &Currency{
		Symbol:           "BTC",
		Name:             "Bitcoin Testnet",
		Decimals:         8,
		CoinType:         1,
		Params:           &chaincfg.TestNet3Params,
		MinFeeRate:       2,
		BlockTimeSeconds: 600,
	})

	Register("BTC", Regtest, &Currency{
		Symbol:           "BTC",
		Name:             "Bitcoin Regtest",
		Decimals:         8,
		CoinType:         1,
		Params:           &chaincfg.RegressionNetParams,
		MinFeeRate:       2,
		BlockTimeSeconds: 600,
	})
}
