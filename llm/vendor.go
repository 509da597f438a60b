package llm

import (
	"fmt"
	"strings"
)

// Vendor identifies an upstream LLM API.
type Vendor string

const (
	VendorAnthropic Vendor = "anthropic"
	VendorOpenAI    Vendor = "openai"
	VendorDeepSeek  Vendor = "deepseek"
	VendorGemini    Vendor = "gemini"
	VendorOllama    Vendor = "ollama"
)

// Vendors lists every supported vendor.
var Vendors = []Vendor{VendorAnthropic, VendorOpenAI, VendorDeepSeek, VendorGemini, VendorOllama}

var modelPrefixes = []struct {
	prefix string
	vendor Vendor
}{
	{"claude", VendorAnthropic},
	{"gpt-", VendorOpenAI},
	{"chatgpt", VendorOpenAI},
	{"o1", VendorOpenAI},
	{"o3", VendorOpenAI},
	{"o4", VendorOpenAI},
	{"deepseek", VendorDeepSeek},
	{"gemini", VendorGemini},
}

// VendorForModel resolves the vendor serving model. An explicit
// "vendor/model" prefix wins; otherwise the model family prefix decides and
// tagged names such as "llama3:8b" go to Ollama.
func VendorForModel(model string) (Vendor, error) {
	if v, _, ok := splitVendor(model); ok {
		return v, nil
	}
	lower := strings.ToLower(model)
	for _, p := range modelPrefixes {
		if strings.HasPrefix(lower, p.prefix) {
			return p.vendor, nil
		}
	}
	if strings.Contains(model, ":") {
		return VendorOllama, nil
	}
	return "", &Error{
		Type:    ErrorTypeInvalidRequest,
		Message: fmt.Sprintf("unknown model %q: no vendor serves it", model),
	}
}

// ModelName strips an explicit "vendor/" prefix from model.
func ModelName(model string) string {
	if _, name, ok := splitVendor(model); ok {
		return name
	}
	return model
}

func splitVendor(model string) (Vendor, string, bool) {
	prefix, name, found := strings.Cut(model, "/")
	if !found || name == "" {
		return "", "", false
	}
	for _, v := range Vendors {
		if string(v) == strings.ToLower(prefix) {
			return v, name, true
		}
	}
	return "", "", false
}
