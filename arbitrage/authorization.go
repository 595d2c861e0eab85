package arbitrage

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// setCodeMagic prefixes the RLP payload of a delegation authorization
const setCodeMagic = 0x05

// Account is the externally owned account that signs both the delegation and the
// enclosing transaction.
type Account struct {
	address common.Address
	key     *ecdsa.PrivateKey
}

func NewAccount(key *ecdsa.PrivateKey) *Account {
	if key == nil {
		return &Account{}
	}
	return &Account{address: crypto.PubkeyToAddress(key.PublicKey), key: key}
}

// AccountFromHex loads a raw hex private key, with or without 0x prefix
func AccountFromHex(hexKey string) (*Account, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %w", ErrSigning, err)
	}
	return NewAccount(key), nil
}

// WatchOnlyAccount has no key material, any signing attempt fails
func WatchOnlyAccount(address common.Address) *Account {
	return &Account{address: address}
}

func (a *Account) Address() common.Address {
	return a.address
}

func (a *Account) CanSign() bool {
	return a != nil && a.key != nil
}

func (a *Account) SignTx(tx *types.Transaction, signer types.Signer) (*types.Transaction, error) {
	if !a.CanSign() {
		return nil, fmt.Errorf("%w: account %s has no key", ErrSigning, a.address.Hex())
	}
	signed, err := types.SignTx(tx, signer, a.key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign tx: %w", ErrSigning, err)
	}
	return signed, nil
}

// Authorization is a signed EIP-7702 delegation tuple
type Authorization struct {
	ChainID  *big.Int
	Delegate common.Address
	Nonce    uint64
	YParity  uint8
	R        *big.Int
	S        *big.Int
}

// AuthorizationHash returns keccak256(0x05 || rlp([chainId, delegate, nonce]))
func AuthorizationHash(chainID *big.Int, delegate common.Address, nonce uint64) (common.Hash, error) {
	if chainID == nil || chainID.Sign() < 0 || chainID.BitLen() > 256 {
		return common.Hash{}, fmt.Errorf("%w: invalid chain id", ErrSigning)
	}
	payload, err := rlp.EncodeToBytes([]interface{}{chainID, delegate, nonce})
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: rlp: %w", ErrSigning, err)
	}
	return crypto.Keccak256Hash([]byte{setCodeMagic}, payload), nil
}

// Sign produces the delegation of the account to the delegate contract. When the
// same account also sends the transaction the nonce must be its current nonce + 1.
func Sign(account *Account, delegate common.Address, chainID *big.Int, nonce uint64) (*Authorization, error) {
	if !account.CanSign() {
		return nil, fmt.Errorf("%w: account has no usable key material", ErrSigning)
	}
	if delegate == (common.Address{}) {
		return nil, fmt.Errorf("%w: delegate is the zero address", ErrSigning)
	}
	hash, err := AuthorizationHash(chainID, delegate, nonce)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash[:], account.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}
	// recovery id from secp256k1 is already 0/1, anything else is legacy 27/28
	v := sig[crypto.RecoveryIDOffset]
	if v >= 27 {
		v -= 27
	}
	return &Authorization{
		ChainID:  new(big.Int).Set(chainID),
		Delegate: delegate,
		Nonce:    nonce,
		YParity:  v,
		R:        new(big.Int).SetBytes(sig[:32]),
		S:        new(big.Int).SetBytes(sig[32:64]),
	}, nil
}

// Authority recovers the address that signed the authorization
func (a *Authorization) Authority() (common.Address, error) {
	if a.R == nil || a.S == nil || a.YParity > 1 {
		return common.Address{}, fmt.Errorf("%w: malformed signature", ErrSigning)
	}
	hash, err := AuthorizationHash(a.ChainID, a.Delegate, a.Nonce)
	if err != nil {
		return common.Address{}, err
	}
	sig := make([]byte, crypto.SignatureLength)
	a.R.FillBytes(sig[:32])
	a.S.FillBytes(sig[32:64])
	sig[crypto.RecoveryIDOffset] = a.YParity
	pub, err := crypto.SigToPub(hash[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: recover: %w", ErrSigning, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func (a *Authorization) Verify(signer common.Address) bool {
	authority, err := a.Authority()
	return err == nil && authority == signer
}

// SetCode converts the authorization into the transaction authorization list entry
func (a *Authorization) SetCode() (types.SetCodeAuthorization, error) {
	if a.ChainID == nil || a.R == nil || a.S == nil {
		return types.SetCodeAuthorization{}, fmt.Errorf("%w: incomplete authorization", ErrSigning)
	}
	chainID, overflow := uint256.FromBig(a.ChainID)
	if overflow {
		return types.SetCodeAuthorization{}, fmt.Errorf("%w: chain id overflows uint256", ErrSigning)
	}
	r, overflowR := uint256.FromBig(a.R)
	s, overflowS := uint256.FromBig(a.S)
	if overflowR || overflowS {
		return types.SetCodeAuthorization{}, fmt.Errorf("%w: signature overflows uint256", ErrSigning)
	}
	return types.SetCodeAuthorization{
		ChainID: *chainID,
		Address: a.Delegate,
		Nonce:   a.Nonce,
		V:       a.YParity,
		R:       *r,
		S:       *s,
	}, nil
}
