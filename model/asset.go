package model

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NativeSentinel is the contract address used for a chain's native coin. Deposits of the
// native coin are observed through the LogTransfer system event emitted at this address.
const NativeSentinel = "0x0000000000000000000000000000000000001010"

type Asset struct {
	Base
	Chain             string `gorm:"size:32;not null;uniqueIndex:idx_asset_chain_contract,priority:1" json:"chain"`
	ChainID           int64  `gorm:"not null" json:"chainId"`
	ContractAddress   string `gorm:"size:64;not null;uniqueIndex:idx_asset_chain_contract,priority:2" json:"contractAddress"`
	PriceID           string `gorm:"size:64;not null" json:"priceId"` // price oracle id, e.g. "tether"
	Symbol            string `gorm:"size:16;not null" json:"symbol"`
	Name              string `gorm:"size:64" json:"name"`
	Decimals          uint8  `gorm:"not null;default:18" json:"decimals"`
	DepositEnabled    bool   `gorm:"not null;default:true" json:"depositEnabled"`
	WithdrawalEnabled bool   `gorm:"not null;default:false" json:"withdrawalEnabled"`
	WithdrawalFee     string `gorm:"type:text;not null;default:'0'" json:"withdrawalFee"` // raw units
	MinWithdrawal     string `gorm:"type:text;not null;default:'0'" json:"minWithdrawal"` // raw units, 0 = no bound
	MaxWithdrawal     string `gorm:"type:text;not null;default:'0'" json:"maxWithdrawal"` // raw units, 0 = no bound
}

func (a *Asset) IsNative() bool {
	return strings.EqualFold(a.ContractAddress, NativeSentinel)
}

// TokenAddress returns the ERC-20 contract, or nil when the asset is the native coin.
func (a *Asset) TokenAddress() *common.Address {
	if a.IsNative() {
		return nil
	}
	addr := common.HexToAddress(a.ContractAddress)
	return &addr
}
