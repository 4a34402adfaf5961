package templatefmt

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Variable names substituted into action templates.
const (
	VarSiteName      = "site_name"
	VarCompoundName  = "compound_name"
	VarCellName      = "cell_name"
	VarCommodityType = "commodity_type"
	VarMetric        = "metric"
	VarValue         = "value"
	VarUnit          = "unit"
	VarThreshold     = "threshold"
	VarSeverity      = "severity"
	VarTimestamp     = "timestamp"
	VarTriggerName   = "trigger_name"

	// FallbackLocale is tried after the configured default locale.
	FallbackLocale = "en"
)

var (
	knownVariables = map[string]struct{}{
		VarSiteName: {}, VarCompoundName: {}, VarCellName: {}, VarCommodityType: {},
		VarMetric: {}, VarValue: {}, VarUnit: {}, VarThreshold: {}, VarSeverity: {},
		VarTimestamp: {}, VarTriggerName: {},
	}
	placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)
)

// Variables returns supported placeholder names in stable order.
func Variables() []string {
	out := make([]string, 0, len(knownVariables))
	for name := range knownVariables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Render substitutes `{name}` placeholders.
// Params: template body and variable values.
// Returns: rendered text; placeholders without a value are left untouched.
func Render(body string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(body, func(match string) string {
		name := match[1 : len(match)-1]
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}

// Validate rejects placeholders that are not supported variables.
// Params: template body.
// Returns: error naming the first unknown placeholder.
func Validate(body string) error {
	for _, match := range placeholderPattern.FindAllStringSubmatch(body, -1) {
		if _, ok := knownVariables[match[1]]; !ok {
			return fmt.Errorf("unknown template variable {%s}", match[1])
		}
	}
	return nil
}

// SelectLocale picks localized text: preferred locale, then FallbackLocale, then lexically first.
// Params: locale map and preferred locale.
// Returns: chosen locale, text, and false when map is empty.
func SelectLocale(byLocale map[string]string, preferred string) (string, string, bool) {
	if len(byLocale) == 0 {
		return "", "", false
	}
	preferred = strings.TrimSpace(preferred)
	if text, ok := byLocale[preferred]; ok && preferred != "" {
		return preferred, text, true
	}
	if text, ok := byLocale[FallbackLocale]; ok {
		return FallbackLocale, text, true
	}
	locales := make([]string, 0, len(byLocale))
	for locale := range byLocale {
		locales = append(locales, locale)
	}
	sort.Strings(locales)
	return locales[0], byLocale[locales[0]], true
}

// FormatValue renders metric value with minimal precision.
func FormatValue(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// FormatTimestamp renders firing time in RFC3339 UTC.
func FormatTimestamp(at time.Time) string {
	return at.UTC().Format(time.RFC3339)
}
