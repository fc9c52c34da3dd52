package types

import (
	"math"
	"strings"
)

var indexPrefixes = []string{"US30", "US500", "NAS100"}

// IsMetal 贵金属按 0.01 价格单位计点。
func IsMetal(symbol string) bool {
	switch strings.ToUpper(symbol) {
	case "XAUUSD", "XAGUSD":
		return true
	}
	return false
}

// CalculatePips returns the truncated pip distance between two prices.
func CalculatePips(symbol string, a, b float64) int {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	diff := math.Abs(a - b)
	mult := 10000.0
	switch {
	case strings.HasSuffix(symbol, "JPY"):
		mult = 100
	case IsMetal(symbol):
		mult = 10
	case hasIndexPrefix(symbol):
		mult = 1
	}
	// 1e-6 吸收二进制浮点误差，避免 1.1000-1.0950 得到 49
	return int(diff*mult + 1e-6)
}

func hasIndexPrefix(symbol string) bool {
	for _, p := range indexPrefixes {
		if strings.HasPrefix(symbol, p) {
			return true
		}
	}
	return false
}
