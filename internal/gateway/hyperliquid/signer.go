package hyperliquid

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

// Signer produces Hyperliquid agent signatures: the msgpack-encoded action is
// hashed together with the nonce, then signed as an EIP-712 Agent struct on
// the fixed chain id 1337 domain.
type Signer struct {
	privKey   *ecdsa.PrivateKey
	address   common.Address
	isMainnet bool
}

func NewSigner(hexKey string, isMainnet bool) (*Signer, error) {
	clean := strings.TrimSpace(hexKey)
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	clean = strings.TrimPrefix(clean, "0x")
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return &Signer{privKey: key, address: addr, isMainnet: isMainnet}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// SignAction signs an already msgpack-encoded action payload.
func (s *Signer) SignAction(payload []byte, nonce uint64) (Signature, error) {
	hash := actionHash(payload, nonce)
	digest, err := typedDataHash(hash, s.isMainnet)
	if err != nil {
		return Signature{}, err
	}
	sig, err := crypto.Sign(digest, s.privKey)
	if err != nil {
		return Signature{}, err
	}
	return signatureFromBytes(sig)
}

func actionHash(action []byte, nonce uint64) []byte {
	buf := bytes.NewBuffer(action)
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	buf.Write(nonceBytes[:])
	// No vault address.
	buf.WriteByte(0x00)
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
