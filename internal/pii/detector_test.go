package pii

import (
	"testing"

	"github.com/cloaklabs/cloak/internal/config"
	"github.com/cloaklabs/cloak/internal/logger"
)

func testPrivacyConfig() config.PrivacyConfig {
	return config.PrivacyConfig{
		Enabled:    true,
		Categories: []string{"all"},
	}
}

func testDetector(t *testing.T) *Detector {
	t.Helper()
	registry, err := NewRegistry(testPrivacyConfig())
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}
	return NewDetector(registry, logger.NewNop())
}

// TestDetectCategories tests detection of each built-in category
func TestDetectCategories(t *testing.T) {
	detector := testDetector(t)

	tests := []struct {
		name     string
		text     string
		category Category
		value    string
	}{
		{"Email", "reach me at john.doe@gmail.com please", CategoryEmail, "john.doe@gmail.com"},
		{"PhoneParenthesized", "call (555) 123-4567 now", CategoryPhone, "(555) 123-4567"},
		{"PhoneDashed", "call 555-123-4567 now", CategoryPhone, "555-123-4567"},
		{"PhoneCountryCode", "call +1 (555) 123-4567 now", CategoryPhone, "+1 (555) 123-4567"},
		{"SSN", "my ssn is 123-45-6789", CategorySSN, "123-45-6789"},
		{"CreditCardDashed", "card 4532-1234-5678-9012 on file", CategoryCreditCard, "4532-1234-5678-9012"},
		{"CreditCardSpaced", "card 4532 1234 5678 9012 on file", CategoryCreditCard, "4532 1234 5678 9012"},
		{"CreditCardBare", "card 4532123456789012 on file", CategoryCreditCard, "4532123456789012"},
		{"IPAddress", "server at 192.168.1.100 is down", CategoryIP, "192.168.1.100"},
		{"UserID", "account USR-483920 locked", CategoryUserID, "USR-483920"},
		{"AccountNumber", "account number 98765432109876 missing", CategoryAccount, "98765432109876"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches := detector.Detect(tt.text)
			if len(matches) != 1 {
				t.Fatalf("Expected 1 match, got %d: %+v", len(matches), matches)
			}
			if matches[0].Category != tt.category {
				t.Errorf("Expected category %s, got %s", tt.category, matches[0].Category)
			}
			if matches[0].Value != tt.value {
				t.Errorf("Expected value %q, got %q", tt.value, matches[0].Value)
			}
			if got := tt.text[matches[0].Start:matches[0].End]; got != tt.value {
				t.Errorf("Offsets select %q, want %q", got, tt.value)
			}
		})
	}
}

// TestDetectPriority tests that higher-priority rules claim spans first
func TestDetectPriority(t *testing.T) {
	detector := testDetector(t)

	t.Run("CardAndSSNDoNotOverlap", func(t *testing.T) {
		matches := detector.Detect("card 4532-1234-5678-9012 ssn 123-45-6789")
		if len(matches) != 2 {
			t.Fatalf("Expected 2 matches, got %d: %+v", len(matches), matches)
		}
		if matches[0].Category != CategoryCreditCard || matches[0].Value != "4532-1234-5678-9012" {
			t.Errorf("First match should be the full card, got %+v", matches[0])
		}
		if matches[1].Category != CategorySSN || matches[1].Value != "123-45-6789" {
			t.Errorf("Second match should be the full SSN, got %+v", matches[1])
		}
	})

	t.Run("TenDigitRunIsPhoneNotAccount", func(t *testing.T) {
		matches := detector.Detect("call 5551234567")
		if len(matches) != 1 {
			t.Fatalf("Expected 1 match, got %d: %+v", len(matches), matches)
		}
		if matches[0].Category != CategoryPhone {
			t.Errorf("Expected PHONE, got %s", matches[0].Category)
		}
	})

	t.Run("SixteenDigitRunIsCardNotAccount", func(t *testing.T) {
		matches := detector.Detect("number 4532123456789012")
		if len(matches) != 1 {
			t.Fatalf("Expected 1 match, got %d: %+v", len(matches), matches)
		}
		if matches[0].Category != CategoryCreditCard {
			t.Errorf("Expected CC, got %s", matches[0].Category)
		}
	})

	t.Run("ClaimedSpanInvisibleToLowerRules", func(t *testing.T) {
		// Without claiming, the account rule would also match the ten
		// digits inside this user ID
		matches := detector.Detect("ticket for USR-4839203652")
		if len(matches) != 1 {
			t.Fatalf("Expected 1 match, got %d: %+v", len(matches), matches)
		}
		if matches[0].Category != CategoryUserID {
			t.Errorf("Expected USER_ID, got %s", matches[0].Category)
		}
		if matches[0].Value != "USR-4839203652" {
			t.Errorf("Expected the full user ID, got %q", matches[0].Value)
		}
	})
}

// TestDetectOrdering tests output ordering and the no-PII cases
func TestDetectOrdering(t *testing.T) {
	detector := testDetector(t)

	t.Run("AscendingStartOffsets", func(t *testing.T) {
		matches := detector.Detect("Email john@gmail.com phone (555) 123-4567 ip 10.0.0.1")
		if len(matches) != 3 {
			t.Fatalf("Expected 3 matches, got %d: %+v", len(matches), matches)
		}
		for i := 1; i < len(matches); i++ {
			if matches[i].Start < matches[i-1].End {
				t.Errorf("Matches out of order or overlapping: %+v", matches)
			}
		}
		if matches[0].Category != CategoryEmail || matches[1].Category != CategoryPhone || matches[2].Category != CategoryIP {
			t.Errorf("Unexpected category order: %+v", matches)
		}
	})

	t.Run("NoPIIYieldsEmpty", func(t *testing.T) {
		if matches := detector.Detect("nothing sensitive in here"); len(matches) != 0 {
			t.Errorf("Expected no matches, got %+v", matches)
		}
	})

	t.Run("EmptyText", func(t *testing.T) {
		if matches := detector.Detect(""); len(matches) != 0 {
			t.Errorf("Expected no matches on empty text, got %+v", matches)
		}
	})
}
