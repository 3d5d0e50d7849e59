package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// KeyManager はVAPID鍵ペアのライフサイクルを管理する。
// 初回起動時に鍵ペアを生成してファイルに永続化し、以降の起動では
// 永続化された鍵を読み込む。一度生成された公開鍵は、永続化ファイルが
// 外部から削除されない限りプロセス再起動をまたいで不変である。
type KeyManager struct {
	// path は鍵ペアを永続化するファイルのパス。
	path string
	// subscriber はVAPID署名に含める連絡先URI（mailto:形式）。
	subscriber string
	// once は初期化処理を一度だけ実行するためのガード。
	once sync.Once
	// mu は初期化結果の読み書きを保護する。
	mu sync.RWMutex
	// publicKey はURLセーフBase64形式のVAPID公開鍵。
	publicKey string
	// privateKey はURLセーフBase64形式のVAPID秘密鍵。
	privateKey string
	// initialized は初期化が成功したかどうか。
	initialized bool
	// initErr は初期化失敗時のエラー。
	initErr error
}

// KeyStatus は鍵マネージャーの初期化状態。
type KeyStatus struct {
	// Initialized は鍵が利用可能かどうか。
	Initialized bool `json:"initialized"`
	// InitError は初期化失敗時のエラーメッセージ。
	InitError string `json:"initError,omitempty"`
}

// keyPairFile はvapid-keys.jsonの永続化形式。
type keyPairFile struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// NewKeyManager は新しい鍵マネージャーを生成する。
// pathは鍵ペアの永続化先、subscriberはプッシュサービスへ提示する
// 連絡先URI（例: "mailto:admin@example.com"）を指定する。
// 鍵の生成・読み込みはInitializeを呼ぶまで行われない。
func NewKeyManager(path, subscriber string) *KeyManager {
	return &KeyManager{path: path, subscriber: subscriber}
}

// Initialize は鍵ペアを読み込むか、存在しなければ生成して永続化する。
// 冪等であり、並行して呼ばれても初期化処理は一度しか実行されない。
// 後続の呼び出しは最初の呼び出しの結果を返す。
func (k *KeyManager) Initialize(_ context.Context) error {
	k.once.Do(func() {
		pub, priv, err := k.loadOrGenerate()

		k.mu.Lock()
		defer k.mu.Unlock()
		if err != nil {
			k.initErr = err
			return
		}
		k.publicKey = pub
		k.privateKey = priv
		k.initialized = true
	})

	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.initErr
}

// loadOrGenerate は永続化済み鍵の読み込みを試み、ファイルが存在しない
// 場合のみ新しい鍵ペアを生成して保存する。読み込み自体の失敗（破損や
// 権限エラー）では生成にフォールバックしない。既存鍵を黙って
// ローテーションすると全購読が無効になるためである。
func (k *KeyManager) loadOrGenerate() (publicKey, privateKey string, err error) {
	data, err := os.ReadFile(k.path)
	switch {
	case err == nil:
		var pair keyPairFile
		if err := json.Unmarshal(data, &pair); err != nil {
			return "", "", fmt.Errorf("VAPID鍵ファイルの解析に失敗: %w", err)
		}
		if pair.PublicKey == "" || pair.PrivateKey == "" {
			return "", "", fmt.Errorf("VAPID鍵ファイル %s に鍵が含まれていません", k.path)
		}
		return pair.PublicKey, pair.PrivateKey, nil
	case errors.Is(err, fs.ErrNotExist):
		return k.generate()
	default:
		return "", "", fmt.Errorf("VAPID鍵ファイルの読み込みに失敗: %w", err)
	}
}

// generate は新しいVAPID鍵ペアを生成して永続化する。
func (k *KeyManager) generate() (publicKey, privateKey string, err error) {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("VAPID鍵の生成に失敗: %w", err)
	}

	data, err := json.MarshalIndent(keyPairFile{PublicKey: pub, PrivateKey: priv}, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("VAPID鍵のシリアライズに失敗: %w", err)
	}

	// 書き込み途中のクラッシュで鍵ファイルが壊れないよう、
	// 一時ファイルに書いてからリネームする。
	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", "", fmt.Errorf("VAPID鍵ファイルの書き込みに失敗: %w", err)
	}
	if err := os.Rename(tmp, k.path); err != nil {
		return "", "", fmt.Errorf("VAPID鍵ファイルの保存に失敗: %w", err)
	}
	return pub, priv, nil
}

// PublicKey は初期化済みの場合にVAPID公開鍵を返す。
// 初期化前・初期化失敗時は空文字列を返す。
func (k *KeyManager) PublicKey() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.publicKey
}

// Keys は署名に使用する鍵ペアを返す。okがfalseの場合、鍵は利用できない。
func (k *KeyManager) Keys() (publicKey, privateKey string, ok bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.publicKey, k.privateKey, k.initialized
}

// Subscriber はVAPID署名に含める連絡先URIを返す。
func (k *KeyManager) Subscriber() string {
	return k.subscriber
}

// Status は初期化状態を返す。初期化中と恒久的な失敗を区別できるよう、
// エラーメッセージも含める。
func (k *KeyManager) Status() KeyStatus {
	k.mu.RLock()
	defer k.mu.RUnlock()
	status := KeyStatus{Initialized: k.initialized}
	if k.initErr != nil {
		status.InitError = k.initErr.Error()
	}
	return status
}

// DefaultKeyPath はデータディレクトリ内の鍵ファイルの標準パスを返す。
func DefaultKeyPath(dataDir string) string {
	return filepath.Join(dataDir, "vapid-keys.json")
}
