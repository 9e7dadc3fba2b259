package validator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateOne(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		valid  bool
		reason string
		email  string
	}{
		{"plain", "user@example.com", true, "", "user@example.com"},
		{"normalized", "  User.Name@Example.COM ", true, "", "user.name@example.com"},
		{"missing at", "userexample.com", false, ReasonInvalidFormat, "userexample.com"},
		{"empty local", "@example.com", false, ReasonInvalidFormat, "@example.com"},
		{"no dot in domain", "user@localhost", false, ReasonInvalidFormat, "user@localhost"},
		{"trailing dot", "user@example.", false, ReasonInvalidFormat, "user@example."},
		{"inner space", "us er@example.com", false, ReasonInvalidFormat, "us er@example.com"},
		{"two ats", "a@b@example.com", false, ReasonInvalidFormat, "a@b@example.com"},
		{"no-break space", "a\u00a0b@x.com", false, ReasonInvalidFormat, "a\u00a0b@x.com"},
		{"vertical tab", "a\vb@x.com", false, ReasonInvalidFormat, "a\vb@x.com"},
		{"form feed in domain", "a@b\fc.com", false, ReasonInvalidFormat, "a@b\fc.com"},
		{"trailing domain dot", "a@b.c.", false, ReasonInvalidFormat, "a@b.c."},
		{"leading domain dot", "a@.b.c", false, ReasonInvalidFormat, "a@.b.c"},
		{"empty inner label", "a@b..c", false, ReasonInvalidFormat, "a@b..c"},
		{"subdomain", "a@mail.b.co", true, "", "a@mail.b.co"},
		{"empty", "   ", false, ReasonInvalidFormat, ""},
		{"disposable", "someone@mailinator.com", false, ReasonDisposable, "someone@mailinator.com"},
		{"disposable mixed case", "X@TempMail.com", false, ReasonDisposable, "x@tempmail.com"},
		{"typo", "user@gmial.com", false, "did you mean user@gmail.com?", "user@gmial.com"},
		{"typo yahoo", "bob@yaho.com", false, "did you mean bob@yahoo.com?", "bob@yaho.com"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ValidateOne(tc.in)
			assert.Equal(t, tc.email, got.Email)
			assert.Equal(t, tc.valid, got.IsValid)
			assert.Equal(t, tc.reason, got.Reason)
		})
	}
}

func TestValidate_OneResultPerInputInOrder(t *testing.T) {
	in := []string{"a@x.com", "bad", "b@x.com", "a@x.com", "c@mailinator.com", "", "d@x.com"}

	got := Validate(in)

	require.Len(t, got, len(in))
	for i, raw := range in {
		assert.Equal(t, Normalize(raw), got[i].Email, "index %d", i)
	}
}

func TestValidate_Duplicates(t *testing.T) {
	got := Validate([]string{"A@x.com", "a@x.com", " a@X.com "})

	require.Len(t, got, 3)
	assert.True(t, got[0].IsValid)
	assert.False(t, got[1].IsValid)
	assert.Equal(t, ReasonDuplicate, got[1].Reason)
	assert.Equal(t, ReasonDuplicate, got[2].Reason)
}

func TestValidate_DuplicateOfInvalidIsStillDuplicate(t *testing.T) {
	got := Validate([]string{"x@gmial.com", "X@gmial.com"})

	require.Len(t, got, 2)
	assert.Contains(t, got[0].Reason, "gmail.com")
	assert.Equal(t, ReasonDuplicate, got[1].Reason)
}

func TestValidate_TypoSuggestion(t *testing.T) {
	got := Validate([]string{"user@gmial.com"})

	require.Len(t, got, 1)
	assert.False(t, got[0].IsValid)
	assert.Contains(t, got[0].Reason, "gmail.com")
}

func TestValidate_Empty(t *testing.T) {
	assert.Empty(t, Validate(nil))
}

func TestValidAndSummarize(t *testing.T) {
	results := Validate([]string{"a@x.com", "nope", "b@x.com", "a@x.com"})

	assert.Equal(t, []string{"a@x.com", "b@x.com"}, Valid(results))
	assert.Equal(t, Summary{Total: 4, Valid: 2, Invalid: 2}, Summarize(results))
}

func TestVerificationResultErr(t *testing.T) {
	assert.NoError(t, ValidateOne("ok@x.com").Err())

	err := ValidateOne("ok@trashmail.com").Err()
	require.Error(t, err)
	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ReasonDisposable, verr.Reason)
	assert.Contains(t, err.Error(), "ok@trashmail.com")
}

func BenchmarkValidate(b *testing.B) {
	in := make([]string, 1000)
	for i := range in {
		in[i] = fmt.Sprintf("user%d@example.com", i%800)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Validate(in)
	}
}
