package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"device-auth-service/internal/pki"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the private certificate authority",
}

var (
	caKeyPath  string
	caCertPath string
)

var caCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the CA key pair and self-signed certificate",
	Long:  "Create the root CA material on the local filesystem. Does nothing if both files already exist.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ca := pki.NewCertificateAuthority(pki.Config{
			PrivateKeyPath:  caKeyPath,
			CertificatePath: caCertPath,
		})

		created, err := ca.Bootstrap(context.Background())
		if err != nil {
			return fmt.Errorf("CA bootstrap failed: %w", err)
		}

		if created {
			fmt.Printf("Created CA material:\n  private key: %s\n  certificate: %s\n", caKeyPath, caCertPath)
		} else {
			fmt.Println("CA material already exists, nothing to do.")
		}
		return nil
	},
}

func init() {
	caCreateCmd.Flags().StringVar(&caKeyPath, "key", "ca/ca_private_key.pem", "CA private key path")
	caCreateCmd.Flags().StringVar(&caCertPath, "cert", "ca/ca_certificate.pem", "CA certificate path")
	caCmd.AddCommand(caCreateCmd)
}
