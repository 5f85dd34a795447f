// verify.go - Verifying key exchange and offline bundle verification.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"ledgerproof/internal/backend"
	"ledgerproof/internal/backend/snark"
	"ledgerproof/internal/program"
)

// importVerifyingKeys registers every configured verifying key with b.
func importVerifyingKeys(b *snark.Backend, keys []VerifyingKeyFile) error {
	for _, k := range keys {
		id, err := program.ParseID(k.Program)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(k.Path)
		if err != nil {
			return fmt.Errorf("failed to read verifying key: %w", err)
		}
		if err := b.ImportVerifyingKey(id, k.Depth, data); err != nil {
			return fmt.Errorf("verifying key %s: %w", id.Short(), err)
		}
	}
	return nil
}

// exportVerifyingKey writes the verifying key of prog into dir, returning the entry another
// process lists under verifying_keys.
func exportVerifyingKey(b *snark.Backend, dir string, prog program.Program) (VerifyingKeyFile, error) {
	data, err := b.ExportVerifyingKey(prog.ID)
	if err != nil {
		return VerifyingKeyFile{}, err
	}
	path := filepath.Join(dir, fmt.Sprintf("program_%s.vk", prog.ID.Short()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return VerifyingKeyFile{}, fmt.Errorf("failed to write verifying key: %w", err)
	}
	return VerifyingKeyFile{Program: prog.ID.String(), Depth: prog.Depth, Path: path}, nil
}

// verifyBundleFiles checks each CBOR bundle file with v. The error joins every failure.
func verifyBundleFiles(ctx context.Context, v backend.Verifier, paths []string, logger zerolog.Logger) error {
	var errs []error
	for _, path := range paths {
		err := verifyBundleFile(ctx, v, path)
		if err != nil {
			logger.Warn().Err(err).Str("bundle", path).Msg("bundle rejected")
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		logger.Info().Str("bundle", path).Msg("bundle verified")
	}
	return errors.Join(errs...)
}

func verifyBundleFile(ctx context.Context, v backend.Verifier, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	b, err := backend.DecodeBundle(data)
	if err != nil {
		return err
	}
	return b.Verify(ctx, v)
}
