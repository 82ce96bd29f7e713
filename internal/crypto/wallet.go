package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Wallet is the trading identity: a secp256k1 key with its derived address.
// The swap aggregator authenticates requests by recovering this address from
// the payload signature.
type Wallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewWallet creates a Wallet from a hex-encoded private key.
func NewWallet(privateKeyHex string) (*Wallet, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid wallet key: %w", err)
	}
	return &Wallet{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the checksummed wallet address.
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// SignPayload signs keccak256(payload) and returns the 65-byte signature hex
// encoded with 0x prefix.
func (w *Wallet) SignPayload(payload []byte) (string, error) {
	digest := ethcrypto.Keccak256(payload)
	sig, err := ethcrypto.Sign(digest, w.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto: sign payload: %w", err)
	}
	return "0x" + hex.EncodeToString(sig), nil
}
