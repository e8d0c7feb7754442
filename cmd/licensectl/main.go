// Command licensectl issues and checks license files offline.
//
//	licensectl machine                      print this host's fingerprint
//	licensectl issue --request req.json     sign a license request
//	licensectl verify license.lic           validate a license on this host
//	licensectl keystore import --key k.pem  add a signing key to the keystore
//	licensectl keystore list                list keystore aliases
//
// Settings come from config.yaml and LICENSE_* environment variables; the
// keystore and guard secrets are read from the environment only.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
