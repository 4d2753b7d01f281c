// Package contract provides typed read access to lending market, vault, token and price feed contracts.
package contract

// LendingABI is the minimal ABI covering every view function the indexer reads.
// ERC20 metadata, cToken underlying, ERC4626 asset/totalAssets and Chainlink latestAnswer.
const LendingABI = `[
	{
		"type": "function",
		"name": "name",
		"inputs": [],
		"outputs": [{"name": "", "type": "string"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "symbol",
		"inputs": [],
		"outputs": [{"name": "", "type": "string"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "decimals",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint8"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "totalSupply",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "underlying",
		"inputs": [],
		"outputs": [{"name": "", "type": "address"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "asset",
		"inputs": [],
		"outputs": [{"name": "", "type": "address"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "totalAssets",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "latestAnswer",
		"inputs": [],
		"outputs": [{"name": "", "type": "int256"}],
		"stateMutability": "view"
	}
]`

// Method names used with Reader.Read.
const (
	MethodName         = "name"
	MethodSymbol       = "symbol"
	MethodDecimals     = "decimals"
	MethodTotalSupply  = "totalSupply"
	MethodUnderlying   = "underlying"
	MethodAsset        = "asset"
	MethodTotalAssets  = "totalAssets"
	MethodLatestAnswer = "latestAnswer"
)
