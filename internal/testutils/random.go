package testutils

import (
	"math/rand"
	"testing"

	"github.com/companyzero/groupinvite/zkidentity"
)

// RandomShortID returns a random, non-cryptographic short id for tests.
func RandomShortID(t testing.TB, rng *rand.Rand) zkidentity.ShortID {
	t.Helper()
	var id zkidentity.ShortID
	if _, err := rng.Read(id[:]); err != nil {
		t.Fatal(err)
	}
	return id
}
