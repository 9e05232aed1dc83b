package evm

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20ABIJSON = `[
  {"inputs": [{"type": "address"}], "name": "balanceOf", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"type": "address"}, {"type": "address"}], "name": "allowance", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"type": "address"}, {"type": "uint256"}], "name": "approve", "outputs": [{"type": "bool"}], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [{"type": "address"}, {"type": "address"}, {"type": "uint256"}], "name": "transferFrom", "outputs": [{"type": "bool"}], "stateMutability": "nonpayable", "type": "function"}
]`

const disperseABIJSON = `[
  {"inputs": [{"type": "address[]"}, {"type": "uint256[]"}], "name": "disperseEther", "outputs": [], "stateMutability": "payable", "type": "function"},
  {"inputs": [{"type": "address"}, {"type": "address[]"}, {"type": "uint256[]"}], "name": "disperseToken", "outputs": [], "stateMutability": "nonpayable", "type": "function"}
]`

var (
	erc20ABI        abi.ABI
	erc20ABIOnce    sync.Once
	erc20ABIErr     error
	disperseABI     abi.ABI
	disperseABIOnce sync.Once
	disperseABIErr  error
)

func erc20ABIInstance() (abi.ABI, error) {
	erc20ABIOnce.Do(func() {
		erc20ABI, erc20ABIErr = abi.JSON(strings.NewReader(erc20ABIJSON))
	})
	return erc20ABI, erc20ABIErr
}

func disperseABIInstance() (abi.ABI, error) {
	disperseABIOnce.Do(func() {
		disperseABI, disperseABIErr = abi.JSON(strings.NewReader(disperseABIJSON))
	})
	return disperseABI, disperseABIErr
}
