package crypto

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"filippo.io/age"
	"github.com/zeebo/blake3"
)

// BLAKE3File computes the BLAKE3 hash of a file.
func BLAKE3File(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// BLAKE3Bytes computes the BLAKE3 hash of in-memory data.
func BLAKE3Bytes(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}

// SealArchive encrypts a slot archive for off-device storage and
// returns the BLAKE3 hash of the sealed file. Mirrored copies leave
// the device, so they never travel in cleartext.
func SealArchive(archivePath, sealedPath string, recipient age.Recipient) (string, error) {
	if err := Encrypt(archivePath, sealedPath, recipient); err != nil {
		return "", fmt.Errorf("age encryption failed: %w", err)
	}

	hash, err := BLAKE3File(sealedPath)
	if err != nil {
		return "", fmt.Errorf("BLAKE3 hash failed: %w", err)
	}
	slog.Info("Sealed archive for mirroring", "archive", archivePath, "blake3", hash)

	return hash, nil
}

// OpenArchive verifies a sealed archive against its expected BLAKE3
// hash and decrypts it back into container form.
func OpenArchive(sealedPath, archivePath, expectedBlake3 string, identity age.Identity) error {
	actual, err := BLAKE3File(sealedPath)
	if err != nil {
		return fmt.Errorf("failed to calculate BLAKE3: %w", err)
	}
	if expectedBlake3 != "" && actual != expectedBlake3 {
		return fmt.Errorf("BLAKE3 mismatch: expected %s, got %s", expectedBlake3, actual)
	}

	if err := Decrypt(sealedPath, archivePath, identity); err != nil {
		return fmt.Errorf("decryption failed: %w", err)
	}
	slog.Info("Opened sealed archive", "archive", archivePath, "blake3", actual)

	return nil
}

func Encrypt(inputFile, outputFile string, recipient age.Recipient) error {
	in, err := os.Open(inputFile)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(outputFile)
	if err != nil {
		return err
	}
	defer out.Close()

	w, err := age.Encrypt(out, recipient)
	if err != nil {
		return err
	}

	if _, err := io.Copy(w, in); err != nil {
		return err
	}

	return w.Close()
}

func Decrypt(inputFile, outputFile string, identity age.Identity) error {
	in, err := os.Open(inputFile)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(outputFile)
	if err != nil {
		return err
	}
	defer out.Close()

	r, err := age.Decrypt(in, identity)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, r); err != nil {
		return err
	}

	return nil
}
