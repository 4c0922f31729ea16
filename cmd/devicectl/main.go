// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	apiKey  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "devicectl",
		Short: "Device Certificate Authentication Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("DEVICECTL_API_URL")
			}
			if apiKey == "" {
				apiKey = os.Getenv("DEVICECTL_API_KEY")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set DEVICECTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for management endpoints (or set DEVICECTL_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(downloadCmd())
	rootCmd.AddCommand(revokeCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(messagesCmd())
	rootCmd.AddCommand(purgeKeysCmd())
	rootCmd.AddCommand(caCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("devicectl version %s\n", version)
		},
	}
}

// doRequest は管理APIへのリクエストを実行する。APIキーはヘッダで付与する。
func doRequest(method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	return resp, nil
}

func requireAPIURL() error {
	if apiURL == "" {
		return fmt.Errorf("--api-url is required (or set DEVICECTL_API_URL)")
	}
	return nil
}

// registerCmd はデバイスの登録コマンド。
func registerCmd() *cobra.Command {
	var name, description, algorithm string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			payload, err := json.Marshal(map[string]string{
				"name":                  name,
				"description":           description,
				"certificate_algorithm": algorithm,
			})
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}

			resp, err := doRequest(http.MethodPost, apiURL+"/api/v1/devices", bytes.NewReader(payload))
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusCreated {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Registered device %q (id: %s, algorithm: %s)\n", name, result["id"], result["certificate_algorithm"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Device name (required)")
	cmd.Flags().StringVar(&description, "description", "", "Device description")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "Certificate algorithm: RSA_2048, RSA_4096, ECDSA_P256, ECDSA_P384 (default ECDSA_P384)")
	cmd.MarkFlagRequired("name")
	return cmd
}

// getCmd はデバイス情報の取得コマンド。
func getCmd() *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			resp, err := doRequest(http.MethodGet, fmt.Sprintf("%s/api/v1/devices/%s", apiURL, deviceID), nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("%s  %s  %s  %s\n", result["id"], result["name"], result["status"], result["certificate_algorithm"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID (required)")
	cmd.MarkFlagRequired("device")
	return cmd
}

// listCmd はデバイス一覧の取得コマンド。
func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			resp, err := doRequest(http.MethodGet, apiURL+"/api/v1/devices", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result struct {
					Devices []struct {
						ID        string `json:"id"`
						Name      string `json:"name"`
						Status    string `json:"status"`
						Algorithm string `json:"certificate_algorithm"`
						CreatedAt string `json:"created_at"`
					} `json:"devices"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}

				fmt.Printf("%-38s %-20s %-10s %-12s %s\n", "ID", "NAME", "STATUS", "ALGORITHM", "CREATED_AT")
				for _, d := range result.Devices {
					fmt.Printf("%-38s %-20s %-10s %-12s %s\n", d.ID, d.Name, d.Status, d.Algorithm, d.CreatedAt)
				}
			}
			return nil
		},
	}
	return cmd
}

// issueCmd は証明書の発行コマンド。
func issueCmd() *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a certificate for a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			resp, err := doRequest(http.MethodPost, fmt.Sprintf("%s/api/v1/devices/%s/certificate", apiURL, deviceID), nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusCreated {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Issued certificate for device %s\n", deviceID)
				fmt.Printf("  serial:           %s\n", result["certificate_serial"])
				fmt.Printf("  not after:        %s\n", result["not_after"])
				fmt.Printf("  download expires: %s\n", result["download_expires_at"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID (required)")
	cmd.MarkFlagRequired("device")
	return cmd
}

// downloadCmd は証明書・秘密鍵のダウンロードコマンド。
func downloadCmd() *cobra.Command {
	var deviceID, dir string
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download certificate and private key for a device",
		Long:  "Download the certificate and private key PEM files. Only available within 24 hours of issuance.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			targets := []struct {
				path     string
				filename string
				mode     os.FileMode
			}{
				{"certificate", deviceID + "_certificate.pem", 0644},
				{"private-key", deviceID + "_private_key.pem", 0600},
			}

			for _, t := range targets {
				resp, err := doRequest(http.MethodGet, fmt.Sprintf("%s/api/v1/devices/%s/%s", apiURL, deviceID, t.path), nil)
				if err != nil {
					return err
				}

				body, err := io.ReadAll(resp.Body)
				resp.Body.Close()
				if err != nil {
					return fmt.Errorf("reading response: %w", err)
				}

				if resp.StatusCode != http.StatusOK {
					return handleErrorResponse(resp.StatusCode, body)
				}

				outPath := t.filename
				if dir != "" {
					outPath = dir + "/" + t.filename
				}
				if err := os.WriteFile(outPath, body, t.mode); err != nil {
					return fmt.Errorf("writing %s: %w", outPath, err)
				}
				fmt.Printf("Wrote %s\n", outPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID (required)")
	cmd.Flags().StringVar(&dir, "dir", "", "Output directory (default current directory)")
	cmd.MarkFlagRequired("device")
	return cmd
}

// revokeCmd はデバイスの失効コマンド。
func revokeCmd() *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			resp, err := doRequest(http.MethodPost, fmt.Sprintf("%s/api/v1/devices/%s/revoke", apiURL, deviceID), nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusAccepted {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				fmt.Printf("Revoked device %s\n", deviceID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID (required)")
	cmd.MarkFlagRequired("device")
	return cmd
}

// messagesCmd はデバイスの受信メッセージ一覧コマンド。
func messagesCmd() *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List received messages for a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			resp, err := doRequest(http.MethodGet, fmt.Sprintf("%s/api/v1/devices/%s/messages", apiURL, deviceID), nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result struct {
					Messages []struct {
						MessageType string `json:"message_type"`
						Timestamp   string `json:"timestamp"`
						ReceivedAt  string `json:"received_at"`
						IPAddress   string `json:"ip_address"`
					} `json:"messages"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}

				fmt.Printf("%-16s %-25s %-25s %s\n", "TYPE", "TIMESTAMP", "RECEIVED_AT", "IP")
				for _, m := range result.Messages {
					fmt.Printf("%-16s %-25s %-25s %s\n", m.MessageType, m.Timestamp, m.ReceivedAt, m.IPAddress)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID (required)")
	cmd.MarkFlagRequired("device")
	return cmd
}

// sendCmd はデバイスとして署名付きメッセージを送信するコマンド。動作確認用。
func sendCmd() *cobra.Command {
	var certPath, keyPath, bodyPath string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a signed message as a device",
		Long:  "Sign a JSON message body with the device private key and POST it to the ingest endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			certPEM, err := os.ReadFile(certPath)
			if err != nil {
				return fmt.Errorf("reading certificate: %w", err)
			}
			keyPEM, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("reading private key: %w", err)
			}
			msgBody, err := os.ReadFile(bodyPath)
			if err != nil {
				return fmt.Errorf("reading message body: %w", err)
			}

			signature, err := signBody(keyPEM, msgBody)
			if err != nil {
				return err
			}

			req, err := http.NewRequest(http.MethodPost, apiURL+"/api/v1/messages", bytes.NewReader(msgBody))
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Device-Certificate", base64.StdEncoding.EncodeToString(certPEM))
			req.Header.Set("X-Device-Signature", base64.StdEncoding.EncodeToString(signature))

			resp, err := httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			respBody, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if output == "json" {
				fmt.Println(string(respBody))
				if resp.StatusCode != http.StatusOK {
					os.Exit(1)
				}
				return nil
			}

			var result map[string]interface{}
			if err := json.Unmarshal(respBody, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("Error: %v (status %d)", result["error"], resp.StatusCode)
			}
			fmt.Printf("Message accepted (device: %s, saved: %v)\n", result["device_id"], result["saved"])
			return nil
		},
	}
	cmd.Flags().StringVar(&certPath, "cert", "", "Device certificate PEM file (required)")
	cmd.Flags().StringVar(&keyPath, "key", "", "Device private key PEM file (required)")
	cmd.Flags().StringVar(&bodyPath, "body", "", "JSON message body file (required)")
	cmd.MarkFlagRequired("cert")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagRequired("body")
	return cmd
}

// signBody はメッセージ本文のSHA-256ダイジェストに秘密鍵で署名する。
func signBody(keyPEM, body []byte) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("invalid private key PEM")
	}

	digest := sha256.Sum256(body)

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing RSA private key: %w", err)
		}
		return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing EC private key: %w", err)
		}
		return ecdsa.SignASN1(rand.Reader, key, digest[:])
	default:
		return nil, fmt.Errorf("unsupported private key type %q", block.Type)
	}
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s", errResp.Message)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
