// Package keys manages one secp256k1 wallet per agent and signs deal
// digests with it.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cosmos/cosmos-sdk/crypto/keys/secp256k1"
	sdk "github.com/cosmos/cosmos-sdk/types"

	"agentmarket/negotiator/internal/market"
)

type StoredKey struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	PubKeyHex  string `json:"pubkey_hex"`
	PrivKeyHex string `json:"privkey_hex"`
	CreatedAt  string `json:"created_at"`
}

func Generate(name string) (StoredKey, error) {
	priv := secp256k1.GenPrivKey()
	pub := priv.PubKey()
	addr := sdk.AccAddress(pub.Address()).String()

	return StoredKey{
		Name:       name,
		Address:    addr,
		PubKeyHex:  hex.EncodeToString(pub.Bytes()),
		PrivKeyHex: hex.EncodeToString(priv.Bytes()),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func Save(path string, key StoredKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	bz, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, bz, 0o600)
}

func Load(path string) (StoredKey, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return StoredKey{}, err
	}
	var key StoredKey
	if err := json.Unmarshal(bz, &key); err != nil {
		return StoredKey{}, err
	}
	if key.Address == "" {
		return StoredKey{}, fmt.Errorf("invalid key file: missing address")
	}
	return key, nil
}

// Keyring stores agent wallets as <dir>/<agentID>.json.
type Keyring struct {
	Dir string
}

func NewKeyring(dir string) *Keyring {
	return &Keyring{Dir: dir}
}

func (k *Keyring) path(agentID string) string {
	return filepath.Join(k.Dir, filepath.Base(agentID)+".json")
}

// Ensure returns the agent's wallet, creating it on first use. The bool
// reports whether a new key was generated.
func (k *Keyring) Ensure(agentID string) (StoredKey, bool, error) {
	if key, err := Load(k.path(agentID)); err == nil {
		return key, false, nil
	}
	key, err := Generate(agentID)
	if err != nil {
		return StoredKey{}, false, err
	}
	if err := Save(k.path(agentID), key); err != nil {
		return StoredKey{}, false, err
	}
	return key, true, nil
}

func (k *Keyring) Load(agentID string) (StoredKey, error) {
	return Load(k.path(agentID))
}

// Remove deletes the agent's wallet. A missing file is not an error.
func (k *Keyring) Remove(agentID string) error {
	err := os.Remove(k.path(agentID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Sign signs msg with the agent's key and returns the hex signature.
func (k *Keyring) Sign(agentID string, msg []byte) (string, error) {
	key, err := k.Load(agentID)
	if err != nil {
		return "", err
	}
	raw, err := hex.DecodeString(key.PrivKeyHex)
	if err != nil {
		return "", fmt.Errorf("decode private key for %s: %w", agentID, err)
	}
	priv := &secp256k1.PrivKey{Key: raw}
	sig, err := priv.Sign(msg)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// Verify checks a hex signature produced by Sign against key.
func Verify(key StoredKey, msg []byte, sigHex string) bool {
	pubRaw, err := hex.DecodeString(key.PubKeyHex)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	pub := &secp256k1.PubKey{Key: pubRaw}
	return pub.VerifySignature(msg, sig)
}

// DealDigest is the canonical byte string both parties sign for a deal.
func DealDigest(d market.Deal) []byte {
	canonical := strings.Join([]string{
		d.ID,
		d.BuyerAgentID,
		d.SellerAgentID,
		d.AssetID,
		strconv.FormatFloat(d.Price, 'f', 2, 64),
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return sum[:]
}
