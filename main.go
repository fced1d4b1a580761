package main

import (
	"fmt"
	"os"

	"github.com/elnosh/confirmations/ledger"
)

// prints the issuer public keys of a ledger seeded from the mnemonic in
// LEDGER_MNEMONIC as the environment the confirmations cli reads to pin them.
func main() {
	confirmationKey, paymentKey, err := ledger.PublicKeys(os.Getenv("LEDGER_MNEMONIC"))
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	fmt.Printf("LEDGER_CONFIRMATION_PUBLIC_KEY=%v\n", confirmationKey.EncodeBase64())
	fmt.Printf("LEDGER_PAYMENT_PUBLIC_KEY=%v\n", paymentKey.EncodeBase64())
}
