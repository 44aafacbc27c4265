package exchange

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	domainName    = "Nado"
	domainVersion = "0.0.1"
)

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Signer holds the subaccount key. The sender is the 20-byte wallet address
// followed by the 12-byte subaccount name.
type Signer struct {
	privKey  *ecdsa.PrivateKey
	address  common.Address
	sender   [32]byte
	chainID  int64
	endpoint common.Address
}

func NewSigner(hexKey, subaccountName string, chainID int64, endpoint string) (*Signer, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	if len(subaccountName) > 12 {
		return nil, fmt.Errorf("subaccount name %q exceeds 12 bytes", subaccountName)
	}
	if chainID <= 0 {
		return nil, errors.New("chain id is required")
	}
	if !common.IsHexAddress(endpoint) {
		return nil, fmt.Errorf("invalid endpoint address %q", endpoint)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	s := &Signer{privKey: key, address: addr, chainID: chainID, endpoint: common.HexToAddress(endpoint)}
	copy(s.sender[:20], addr.Bytes())
	copy(s.sender[20:], []byte(subaccountName))
	return s, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// Sender is the bytes32 subaccount identifier as 0x-prefixed hex.
func (s *Signer) Sender() string {
	return hexutil.Encode(s.sender[:])
}

// SignStreamAuth signs the websocket authentication payload.
func (s *Signer) SignStreamAuth(expirationMs uint64) (string, string, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"StreamAuthentication": {
				{Name: "sender", Type: "bytes32"},
				{Name: "expiration", Type: "uint64"},
			},
		},
		PrimaryType: "StreamAuthentication",
		Domain:      s.domain(s.endpoint),
		Message: apitypes.TypedDataMessage{
			"sender":     s.Sender(),
			"expiration": strconv.FormatUint(expirationMs, 10),
		},
	}
	sig, _, err := s.sign(td)
	if err != nil {
		return "", "", err
	}
	return s.Sender(), sig, nil
}

// SignOrder returns the signature and the order digest, which doubles as the
// venue's order id.
func (s *Signer) SignOrder(productID int64, order OrderTx) (string, string, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Order": {
				{Name: "sender", Type: "bytes32"},
				{Name: "priceX18", Type: "int128"},
				{Name: "amount", Type: "int128"},
				{Name: "expiration", Type: "uint64"},
				{Name: "nonce", Type: "uint64"},
			},
		},
		PrimaryType: "Order",
		Domain:      s.domain(productAddress(productID)),
		Message: apitypes.TypedDataMessage{
			"sender":     order.Sender,
			"priceX18":   order.PriceX18,
			"amount":     order.Amount,
			"expiration": order.Expiration,
			"nonce":      order.Nonce,
		},
	}
	return s.sign(td)
}

func (s *Signer) SignCancellation(tx CancelTx) (string, error) {
	productIDs := make([]interface{}, len(tx.ProductIDs))
	for i, id := range tx.ProductIDs {
		productIDs[i] = strconv.FormatInt(id, 10)
	}
	digests := make([]interface{}, len(tx.Digests))
	for i, d := range tx.Digests {
		digests[i] = d
	}
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Cancellation": {
				{Name: "sender", Type: "bytes32"},
				{Name: "productIds", Type: "uint32[]"},
				{Name: "digests", Type: "bytes32[]"},
				{Name: "nonce", Type: "uint64"},
			},
		},
		PrimaryType: "Cancellation",
		Domain:      s.domain(s.endpoint),
		Message: apitypes.TypedDataMessage{
			"sender":     tx.Sender,
			"productIds": productIDs,
			"digests":    digests,
			"nonce":      tx.Nonce,
		},
	}
	sig, _, err := s.sign(td)
	return sig, err
}

func (s *Signer) domain(verifying common.Address) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              domainName,
		Version:           domainVersion,
		ChainId:           math.NewHexOrDecimal256(s.chainID),
		VerifyingContract: verifying.Hex(),
	}
}

func (s *Signer) sign(td apitypes.TypedData) (string, string, error) {
	digest, err := typedDataHash(td)
	if err != nil {
		return "", "", err
	}
	sig, err := crypto.Sign(digest, s.privKey)
	if err != nil {
		return "", "", err
	}
	if len(sig) != 65 {
		return "", "", fmt.Errorf("unexpected signature length %d", len(sig))
	}
	sig[64] += 27
	return hexutil.Encode(sig), hexutil.Encode(digest), nil
}

func typedDataHash(td apitypes.TypedData) ([]byte, error) {
	domainHash, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, err
	}
	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256([]byte("\x19\x01"), domainHash, messageHash), nil
}

// productAddress is the per-product verifying contract used for order signing.
func productAddress(productID int64) common.Address {
	return common.BigToAddress(big.NewInt(productID))
}
