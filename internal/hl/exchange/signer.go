package exchange

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer produces L1 action signatures: the msgpack action hash is wrapped in
// an Agent struct and signed as EIP-712 typed data.
type Signer struct {
	privKey   *ecdsa.PrivateKey
	address   common.Address
	isMainnet bool
}

func NewSigner(hexKey string, isMainnet bool) (*Signer, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	return &Signer{privKey: key, address: crypto.PubkeyToAddress(key.PublicKey), isMainnet: isMainnet}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

func (s *Signer) SignOrderAction(action OrderAction, nonce uint64, vaultAddress *common.Address) (Signature, error) {
	payload, err := EncodeOrderAction(action)
	if err != nil {
		return Signature{}, err
	}
	return s.signAction(payload, nonce, vaultAddress)
}

func (s *Signer) SignCancelAction(action CancelAction, nonce uint64, vaultAddress *common.Address) (Signature, error) {
	payload, err := EncodeCancelAction(action)
	if err != nil {
		return Signature{}, err
	}
	return s.signAction(payload, nonce, vaultAddress)
}

func (s *Signer) signAction(payload []byte, nonce uint64, vaultAddress *common.Address) (Signature, error) {
	digest, err := typedDataHash(actionHash(payload, nonce, vaultAddress), s.isMainnet)
	if err != nil {
		return Signature{}, err
	}
	sig, err := crypto.Sign(digest, s.privKey)
	if err != nil {
		return Signature{}, err
	}
	return signatureFromBytes(sig)
}

// actionHash is keccak(payload || nonce_be || vault flag [|| vault]).
func actionHash(payload []byte, nonce uint64, vaultAddress *common.Address) []byte {
	buf := bytes.NewBuffer(append([]byte(nil), payload...))
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	buf.Write(nonceBytes[:])
	if vaultAddress == nil {
		buf.WriteByte(0x00)
	} else {
		buf.WriteByte(0x01)
		buf.Write(vaultAddress.Bytes())
	}
	return crypto.Keccak256(buf.Bytes())
}

func typedDataHash(actionHash []byte, isMainnet bool) ([]byte, error) {
	source := "a"
	if !isMainnet {
		source = "b"
	}
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(1337),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": hexutil.Encode(actionHash),
		},
	}
	domainHash, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, err
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256([]byte("\x19\x01"), domainHash, messageHash), nil
}

func signatureFromBytes(sig []byte) (Signature, error) {
	if len(sig) != 65 {
		return Signature{}, fmt.Errorf("unexpected signature length %d", len(sig))
	}
	return Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: int(sig[64]) + 27,
	}, nil
}
