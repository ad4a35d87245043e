package policy

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xela07ax/commerce-gate/internal/domain"
	"gopkg.in/yaml.v3"
)

// DefaultRecognizedAssets — активы, которые движок вообще умеет различать.
var DefaultRecognizedAssets = []string{"USDC", "USDT", "DAI", "ETH", "WETH"}

// Document — политика организации в том виде, в каком ее пишет CFO (YAML или JSON).
type Document struct {
	Version          int64         `yaml:"version" json:"version"`
	RecognizedAssets []string      `yaml:"recognized_assets,omitempty" json:"recognized_assets,omitempty"`
	FeeHeadroomBps   int           `yaml:"fee_headroom_bps,omitempty" json:"fee_headroom_bps,omitempty"`
	Organization     OrgSection    `yaml:"organization" json:"organization"`
	Agents           []AgentPolicy `yaml:"agents" json:"agents"`
}

type WindowSpec struct {
	Size    string `yaml:"size" json:"size"` // "24h"
	Buckets int    `yaml:"buckets" json:"buckets"`
}

type MemoSpec struct {
	MaxLength  int    `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Disallowed string `yaml:"disallowed,omitempty" json:"disallowed,omitempty"`
}

type OrgSection struct {
	SpendLimitUSDC float64    `yaml:"spend_limit_usdc" json:"spend_limit_usdc"`
	Window         WindowSpec `yaml:"window" json:"window"`
	Counterparties []string   `yaml:"counterparties" json:"counterparties"`
	Assets         []string   `yaml:"assets" json:"assets"`
	Memo           MemoSpec   `yaml:"memo,omitempty" json:"memo,omitempty"`
}

type AgentPolicy struct {
	ID             string      `yaml:"id" json:"id"`
	Role           domain.Role `yaml:"role" json:"role"`
	SpendLimitUSDC *float64    `yaml:"spend_limit_usdc,omitempty" json:"spend_limit_usdc,omitempty"`
	Counterparties []string    `yaml:"counterparties,omitempty" json:"counterparties,omitempty"`
	Assets         []string    `yaml:"assets,omitempty" json:"assets,omitempty"`
	Memo           MemoSpec    `yaml:"memo,omitempty" json:"memo,omitempty"`
}

// LoadFile читает документ политики с диска.
func LoadFile(path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read policy file %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse разбирает YAML (JSON тоже валидный YAML) с запретом неизвестных полей.
func Parse(raw []byte) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("%w: decode policy document: %v", domain.ErrValidation, err)
	}
	return doc, nil
}

// Marshal возвращает документ в YAML (для выгрузки в консоли).
func (d Document) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

func normalizeAddresses(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if !IsAddress(a) {
			return nil, fmt.Errorf("invalid counterparty address %q", a)
		}
		out = append(out, strings.ToLower(a))
	}
	return out, nil
}

func normalizeAssets(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		out = append(out, strings.ToUpper(strings.TrimSpace(a)))
	}
	return out
}

// IsAddress — 0x-префикс и 20 байт в hex.
func IsAddress(s string) bool {
	return (strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) && common.IsHexAddress(s)
}

func (w WindowSpec) window() (domain.Window, error) {
	size, err := time.ParseDuration(w.Size)
	if err != nil {
		return domain.Window{}, fmt.Errorf("window size %q: %w", w.Size, err)
	}
	win := domain.Window{Size: size, Buckets: w.Buckets}
	if err := win.Validate(); err != nil {
		return domain.Window{}, err
	}
	return win, nil
}
