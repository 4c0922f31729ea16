package domain

import "errors"

var (
	// ErrMissingCredentials は証明書・署名ヘッダが欠落している場合のエラー。
	ErrMissingCredentials = errors.New("missing required headers")

	// ErrMalformedCertificate は証明書ヘッダのデコード・パースに失敗した場合のエラー。
	ErrMalformedCertificate = errors.New("invalid certificate format")

	// ErrMalformedSignature は署名ヘッダのデコードに失敗した場合のエラー。
	ErrMalformedSignature = errors.New("invalid signature format")

	// ErrUntrustedCertificate は証明書がCAによって署名されていない場合のエラー。
	ErrUntrustedCertificate = errors.New("invalid device certificate")

	// ErrCertificateOutsideValidity は証明書が有効期間外の場合のエラー。
	ErrCertificateOutsideValidity = errors.New("certificate expired or not yet valid")

	// ErrInvalidCertificateIdentity は証明書のCNが欠落またはUUIDでない場合のエラー。
	ErrInvalidCertificateIdentity = errors.New("invalid certificate identity")

	// ErrDeviceNotFound は指定されたデバイスが存在しない場合のエラー。
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceRevoked は失効済みデバイスからの操作を拒否する場合のエラー。
	ErrDeviceRevoked = errors.New("device certificate has been revoked")

	// ErrCertificateSuperseded は再発行により置き換えられた証明書を提示された場合のエラー。
	ErrCertificateSuperseded = errors.New("certificate has been superseded")

	// ErrEmptyPayload はリクエストボディが空の場合のエラー。
	ErrEmptyPayload = errors.New("empty message body")

	// ErrUnsupportedKeyAlgorithm は証明書の鍵種別が検証不能な場合のエラー。
	ErrUnsupportedKeyAlgorithm = errors.New("unsupported certificate key algorithm")

	// ErrInvalidSignature はボディに対する署名検証に失敗した場合のエラー。
	ErrInvalidSignature = errors.New("invalid message signature")

	// ErrInvalidPayloadEncoding は検証済みボディがJSONとしてパースできない場合のエラー。
	ErrInvalidPayloadEncoding = errors.New("invalid JSON in message body")

	// ErrServerConfiguration はCA鍵材料が読み込めない場合のエラー（運用者起因）。
	ErrServerConfiguration = errors.New("server configuration error")

	// ErrUnsupportedAlgorithm は未定義の証明書アルゴリズムが要求された場合のエラー。
	ErrUnsupportedAlgorithm = errors.New("unsupported certificate algorithm")

	// ErrCertificateNotFound はデバイスに発行済み証明書が存在しない場合のエラー。
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrDownloadWindowExpired は24時間のダウンロードウィンドウを過ぎた場合のエラー。
	ErrDownloadWindowExpired = errors.New("download window has expired")

	// ErrDeviceAlreadyRevoked は既に失効済みのデバイスを再度失効させようとした場合のエラー。
	ErrDeviceAlreadyRevoked = errors.New("device is already revoked")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
