package wyvern

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// ContractCaller is the narrow slice of an Ethereum client the helpers need.
// *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var proxyRegistryABI = mustABI(`[
	{"name": "proxies", "type": "function", "stateMutability": "view",
	 "inputs": [{"name": "owner", "type": "address"}],
	 "outputs": [{"name": "", "type": "address"}]},
	{"name": "registerProxy", "type": "function", "inputs": [], "outputs": []}
]`)

var erc20ABI = mustABI(`[
	{"name": "balanceOf", "type": "function", "stateMutability": "view",
	 "inputs": [{"name": "owner", "type": "address"}],
	 "outputs": [{"name": "", "type": "uint256"}]},
	{"name": "allowance", "type": "function", "stateMutability": "view",
	 "inputs": [{"name": "owner", "type": "address"}, {"name": "spender", "type": "address"}],
	 "outputs": [{"name": "", "type": "uint256"}]},
	{"name": "approve", "type": "function",
	 "inputs": [{"name": "spender", "type": "address"}, {"name": "amount", "type": "uint256"}], "outputs": []},
	{"name": "deposit", "type": "function", "stateMutability": "payable", "inputs": [], "outputs": []}
]`)

var nftABI = mustABI(`[
	{"name": "ownerOf", "type": "function", "stateMutability": "view",
	 "inputs": [{"name": "tokenId", "type": "uint256"}],
	 "outputs": [{"name": "", "type": "address"}]},
	{"name": "balanceOf", "type": "function", "stateMutability": "view",
	 "inputs": [{"name": "owner", "type": "address"}, {"name": "id", "type": "uint256"}],
	 "outputs": [{"name": "", "type": "uint256"}]},
	{"name": "isApprovedForAll", "type": "function", "stateMutability": "view",
	 "inputs": [{"name": "owner", "type": "address"}, {"name": "operator", "type": "address"}],
	 "outputs": [{"name": "", "type": "bool"}]},
	{"name": "setApprovalForAll", "type": "function",
	 "inputs": [{"name": "operator", "type": "address"}, {"name": "approved", "type": "bool"}], "outputs": []}
]`)

// ProxyRegistry reads and prepares writes against the Wyvern user-proxy
// registry. Every maker must register a proxy once before listing.
type ProxyRegistry struct {
	Address common.Address
	caller  ContractCaller
}

// NewProxyRegistry binds the registry at the given address.
func NewProxyRegistry(address common.Address, caller ContractCaller) *ProxyRegistry {
	return &ProxyRegistry{Address: address, caller: caller}
}

// Proxy returns the registered proxy of an owner, or the zero address.
func (r *ProxyRegistry) Proxy(ctx context.Context, owner common.Address) (common.Address, error) {
	data, err := proxyRegistryABI.Pack("proxies", owner)
	if err != nil {
		return common.Address{}, fmt.Errorf("packing proxies: %s", err)
	}
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &r.Address, Data: data}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("calling proxies: %s", err)
	}
	return common.BytesToAddress(out), nil
}

// RegisterProxyData encodes the registerProxy transaction payload.
func (r *ProxyRegistry) RegisterProxyData() ([]byte, error) {
	data, err := proxyRegistryABI.Pack("registerProxy")
	if err != nil {
		return nil, fmt.Errorf("packing registerProxy: %s", err)
	}
	return data, nil
}

// WETH reads balances and allowances of the wrapped-ether payment token and
// prepares deposit/approve transaction payloads.
type WETH struct {
	Address common.Address
	caller  ContractCaller
}

// NewWETH binds the WETH contract at the given address.
func NewWETH(address common.Address, caller ContractCaller) *WETH {
	return &WETH{Address: address, caller: caller}
}

// Balance returns the WETH balance of an owner.
func (w *WETH) Balance(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("packing balanceOf: %s", err)
	}
	out, err := w.caller.CallContract(ctx, ethereum.CallMsg{To: &w.Address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling balanceOf: %s", err)
	}
	return new(big.Int).SetBytes(out), nil
}

// Allowance returns how much the spender may move on behalf of the owner.
func (w *WETH) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("packing allowance: %s", err)
	}
	out, err := w.caller.CallContract(ctx, ethereum.CallMsg{To: &w.Address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling allowance: %s", err)
	}
	return new(big.Int).SetBytes(out), nil
}

// DepositData encodes the payable deposit() payload.
func (w *WETH) DepositData() ([]byte, error) {
	data, err := erc20ABI.Pack("deposit")
	if err != nil {
		return nil, fmt.Errorf("packing deposit: %s", err)
	}
	return data, nil
}

// ApproveData encodes approve(spender, amount).
func (w *WETH) ApproveData(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("packing approve: %s", err)
	}
	return data, nil
}

// NFT reads ownership and operator approvals of an ERC721/1155 contract and
// prepares approval transaction payloads.
type NFT struct {
	Address common.Address
	caller  ContractCaller
}

// NewNFT binds an NFT contract at the given address.
func NewNFT(address common.Address, caller ContractCaller) *NFT {
	return &NFT{Address: address, caller: caller}
}

// Owner returns the ERC721 owner of a token.
func (n *NFT) Owner(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	data, err := nftABI.Pack("ownerOf", tokenID)
	if err != nil {
		return common.Address{}, fmt.Errorf("packing ownerOf: %s", err)
	}
	out, err := n.caller.CallContract(ctx, ethereum.CallMsg{To: &n.Address, Data: data}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("calling ownerOf: %s", err)
	}
	return common.BytesToAddress(out), nil
}

// Balance returns the ERC1155 balance of a token for an owner.
func (n *NFT) Balance(ctx context.Context, owner common.Address, tokenID *big.Int) (*big.Int, error) {
	data, err := nftABI.Pack("balanceOf", owner, tokenID)
	if err != nil {
		return nil, fmt.Errorf("packing balanceOf: %s", err)
	}
	out, err := n.caller.CallContract(ctx, ethereum.CallMsg{To: &n.Address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling balanceOf: %s", err)
	}
	return new(big.Int).SetBytes(out), nil
}

// IsApproved reports whether the operator may move all tokens of the owner.
func (n *NFT) IsApproved(ctx context.Context, owner, operator common.Address) (bool, error) {
	data, err := nftABI.Pack("isApprovedForAll", owner, operator)
	if err != nil {
		return false, fmt.Errorf("packing isApprovedForAll: %s", err)
	}
	out, err := n.caller.CallContract(ctx, ethereum.CallMsg{To: &n.Address, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("calling isApprovedForAll: %s", err)
	}
	return new(big.Int).SetBytes(out).Sign() != 0, nil
}

// ApproveData encodes setApprovalForAll(operator, approved).
func (n *NFT) ApproveData(operator common.Address, approved bool) ([]byte, error) {
	data, err := nftABI.Pack("setApprovalForAll", operator, approved)
	if err != nil {
		return nil, fmt.Errorf("packing setApprovalForAll: %s", err)
	}
	return data, nil
}
