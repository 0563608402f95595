package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/toolgate/pkg/contracts"
)

// runContractsValidate validates every file and reports each result. It
// fails if any file is invalid.
func runContractsValidate(cmd *cobra.Command, paths []string, version string) error {
	out := cmd.OutOrStdout()
	invalid := 0
	for _, path := range paths {
		detected, err := validatePayloadFile(cmd.InOrStdin(), path, version)
		if err != nil {
			invalid++
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s (%s)\n", path, detected)
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d payloads invalid", invalid, len(paths))
	}
	return nil
}

func validatePayloadFile(stdin io.Reader, path, version string) (string, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	if version == "" {
		if version, err = contracts.DetectVersion(raw); err != nil {
			return "", err
		}
	}
	if err := contracts.ValidateJSON(version, raw); err != nil {
		return version, err
	}
	return version, nil
}
