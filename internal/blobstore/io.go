package blobstore

import (
	"io"
	"os"
)

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func writeFile(dest string, r io.Reader) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}
