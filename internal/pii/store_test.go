package pii

import "testing"

// TestStoreAllocate tests token allocation and deduplication
func TestStoreAllocate(t *testing.T) {
	t.Run("TokensAreOneBasedPerCategory", func(t *testing.T) {
		store := NewStore()

		token, created := store.Allocate(CategoryEmail, "john@gmail.com")
		if token != "<EMAIL_1>" {
			t.Errorf("Expected <EMAIL_1>, got %s", token)
		}
		if !created {
			t.Error("Expected first allocation to report created")
		}

		token, _ = store.Allocate(CategoryEmail, "jane@gmail.com")
		if token != "<EMAIL_2>" {
			t.Errorf("Expected <EMAIL_2>, got %s", token)
		}

		// A different category starts its own counter
		token, _ = store.Allocate(CategoryPhone, "(555) 123-4567")
		if token != "<PHONE_1>" {
			t.Errorf("Expected <PHONE_1>, got %s", token)
		}
	})

	t.Run("SameValueSameToken", func(t *testing.T) {
		store := NewStore()

		first, _ := store.Allocate(CategorySSN, "123-45-6789")
		second, created := store.Allocate(CategorySSN, "123-45-6789")

		if first != second {
			t.Errorf("Same value produced different tokens: %s vs %s", first, second)
		}
		if created {
			t.Error("Repeated allocation must not report created")
		}
		if store.Len() != 1 {
			t.Errorf("Expected 1 mapping, got %d", store.Len())
		}
	})

	t.Run("CategoryIsPartOfDedupKey", func(t *testing.T) {
		store := NewStore()

		// The same literal under two categories must not collide
		asUserID, _ := store.Allocate(CategoryUserID, "5551234567")
		asAccount, _ := store.Allocate(CategoryAccount, "5551234567")

		if asUserID == asAccount {
			t.Errorf("Cross-category values collided on token %s", asUserID)
		}
		if asUserID != "<USER_ID_1>" {
			t.Errorf("Expected <USER_ID_1>, got %s", asUserID)
		}
		if asAccount != "<ACCOUNT_1>" {
			t.Errorf("Expected <ACCOUNT_1>, got %s", asAccount)
		}
	})

	t.Run("TokenFormatMatchesWirePattern", func(t *testing.T) {
		store := NewStore()
		token, _ := store.Allocate(CategoryUserID, "USR-483920")
		if !TokenPattern.MatchString(token) {
			t.Errorf("Token %s does not match the wire pattern", token)
		}
	})
}

// TestStoreLookup tests reverse resolution of issued tokens
func TestStoreLookup(t *testing.T) {
	store := NewStore()
	token, _ := store.Allocate(CategoryEmail, "john@gmail.com")

	value, ok := store.Lookup(token)
	if !ok {
		t.Fatalf("Expected %s to resolve", token)
	}
	if value != "john@gmail.com" {
		t.Errorf("Expected john@gmail.com, got %s", value)
	}

	if _, ok := store.Lookup("<EMAIL_99>"); ok {
		t.Error("Never-issued token should not resolve")
	}
}

// TestStoreSnapshot tests that snapshots are detached copies
func TestStoreSnapshot(t *testing.T) {
	store := NewStore()
	store.Allocate(CategoryEmail, "john@gmail.com")

	snapshot := store.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(snapshot))
	}

	snapshot["<EMAIL_1>"] = "tampered"
	if value, _ := store.Lookup("<EMAIL_1>"); value != "john@gmail.com" {
		t.Error("Mutating a snapshot must not affect the store")
	}
}

// TestStoreReset tests counter restart and mapping removal
func TestStoreReset(t *testing.T) {
	store := NewStore()
	store.Allocate(CategoryEmail, "john@gmail.com")
	store.Allocate(CategoryEmail, "jane@gmail.com")
	store.Allocate(CategoryPhone, "(555) 123-4567")

	store.Reset()

	if store.Len() != 0 {
		t.Errorf("Expected empty store after reset, got %d mappings", store.Len())
	}
	if _, ok := store.Lookup("<EMAIL_1>"); ok {
		t.Error("Old token resolved after reset")
	}

	// Counters restart: a previously seen value mints <EMAIL_1> again
	token, created := store.Allocate(CategoryEmail, "jane@gmail.com")
	if !created {
		t.Error("Allocation after reset must mint a fresh token")
	}
	if token != "<EMAIL_1>" {
		t.Errorf("Expected <EMAIL_1> after reset, got %s", token)
	}
}
