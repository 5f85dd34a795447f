// keys.go - Groth16 key persistence.
//
// Keys are stored next to each other in a key directory, named after the depth and a digest
// of the constraint system, so a changed circuit never picks up stale keys.

package snark

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"golang.org/x/crypto/blake2b"
)

// SaveProvingKey saves a Groth16 proving key to disk.
func SaveProvingKey(path string, pk groth16.ProvingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = pk.WriteTo(f)
	return err
}

// SaveVerifyingKey saves a Groth16 verifying key to disk.
func SaveVerifyingKey(path string, vk groth16.VerifyingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = vk.WriteTo(f)
	return err
}

// LoadProvingKey loads a BN254 Groth16 proving key from disk.
func LoadProvingKey(path string) (groth16.ProvingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(ecc.BN254)
	if _, err := pk.ReadFrom(f); err != nil {
		return nil, err
	}
	return pk, nil
}

// LoadVerifyingKey loads a BN254 Groth16 verifying key from disk.
func LoadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(f); err != nil {
		return nil, err
	}
	return vk, nil
}

// SetupOrLoadKeys loads the key pair from disk if both files exist, otherwise runs the
// Groth16 setup and saves the result.
func SetupOrLoadKeys(ccs constraint.ConstraintSystem, pkPath, vkPath string) (groth16.ProvingKey, groth16.VerifyingKey, error) {
	pk, pkErr := LoadProvingKey(pkPath)
	vk, vkErr := LoadVerifyingKey(vkPath)
	if pkErr == nil && vkErr == nil {
		return pk, vk, nil
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, nil, fmt.Errorf("groth16 setup: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(pkPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := SaveProvingKey(pkPath, pk); err != nil {
		return nil, nil, fmt.Errorf("save proving key: %w", err)
	}
	if err := SaveVerifyingKey(vkPath, vk); err != nil {
		return nil, nil, fmt.Errorf("save verifying key: %w", err)
	}
	return pk, vk, nil
}

// keyPaths returns the proving and verifying key paths for a compiled circuit.
func keyPaths(dir string, depth int, ccsDigest []byte) (pkPath, vkPath string) {
	base := fmt.Sprintf("transfer_d%d_%s", depth, hex.EncodeToString(ccsDigest[:8]))
	return filepath.Join(dir, base+".pk"), filepath.Join(dir, base+".vk")
}

// toBytes serializes anything gnark can write.
func toBytes(w io.WriterTo) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func blake(parts ...[]byte) []byte {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
