package pii

import (
	"regexp"
	"time"
)

// Category identifies a kind of personal data. The category string is also
// the name embedded in tokens: category EMAIL yields <EMAIL_1>, <EMAIL_2>
// and so on.
type Category string

// Built-in categories. Detection priority is defined by the rule table in
// patterns/builtin.yaml, not by this declaration order.
const (
	CategoryCreditCard Category = "CC"
	CategorySSN        Category = "SSN"
	CategoryPhone      Category = "PHONE"
	CategoryEmail      Category = "EMAIL"
	CategoryIP         Category = "IP"
	CategoryUserID     Category = "USER_ID"
	CategoryAccount    Category = "ACCOUNT"
)

// TokenPattern matches the exact wire format of a placeholder token:
// angle brackets, uppercase category, underscore, 1-based counter.
var TokenPattern = regexp.MustCompile(`<[A-Z][A-Z0-9_]*_[0-9]+>`)

// Rule is a single compiled detection rule. Rules with a higher priority
// claim text spans before lower ones.
type Rule struct {
	Name        string
	Category    Category
	Pattern     *regexp.Regexp
	Priority    int
	Description string
	Enabled     bool
}

// Match is one detected occurrence of a category in a piece of text.
// Start and End are byte offsets into the scanned string.
type Match struct {
	Category Category
	Value    string
	Start    int
	End      int
}

// Finding summarizes the detections for one category in one Mask call.
// It carries tokens, counts, and offsets, never the raw values.
type Finding struct {
	Category  Category `json:"category"`
	Tokens    []string `json:"tokens"`
	Count     int      `json:"count"`
	Positions []int    `json:"positions,omitempty"`
}

// Result contains the outcome of masking one piece of text. Delta holds the
// token to value pairs minted by this call; like Original it never
// serializes, since both expose raw values.
type Result struct {
	Masked   string            `json:"masked"`
	Findings []Finding         `json:"findings"`
	Duration time.Duration     `json:"-"`
	Delta    map[string]string `json:"-"`
	Original string            `json:"-"` // Never serialize original text
}
