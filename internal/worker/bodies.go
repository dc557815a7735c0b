package worker

import (
	"context"
	"math/rand/v2"
	"slices"
	"strconv"

	"golang.org/x/crypto/bcrypt"

	"github.com/suPer8Hu/jobflow/internal/jobs"
)

const (
	sampleSize = 10
	sortMaxVal = 1_000_000
)

// Primes returns every prime <= limit in ascending order.
func Primes(limit int) []int {
	if limit < 2 {
		return nil
	}
	composite := make([]bool, limit+1)
	out := make([]int, 0, limit/10)
	for n := 2; n <= limit; n++ {
		if composite[n] {
			continue
		}
		out = append(out, n)
		for m := n * n; m <= limit; m += n {
			composite[m] = true
		}
	}
	return out
}

// PrimeBody reports how many primes are <= limit and the last ten of them.
func PrimeBody(limit int) Body {
	if limit < 2 {
		limit = 100000
	}
	return func(ctx context.Context) (jobs.Result, error) {
		primes := Primes(limit)
		return jobs.PrimeResult{
			Count:  len(primes),
			Sample: slices.Clone(primes[max(0, len(primes)-sampleSize):]),
		}, nil
	}
}

// SortBody sorts size random ints in [0, 1e6) and reports the ten smallest.
func SortBody(size int) Body {
	if size < 1 {
		size = 100000
	}
	return func(ctx context.Context) (jobs.Result, error) {
		arr := make([]int, size)
		for i := range arr {
			arr[i] = rand.IntN(sortMaxVal)
		}
		slices.Sort(arr)
		return jobs.SortResult{
			Count:  len(arr),
			Sample: slices.Clone(arr[:min(sampleSize, len(arr))]),
		}, nil
	}
}

// BcryptBody hashes one random password at the given cost.
func BcryptBody(cost int) Body {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = 10
	}
	return func(ctx context.Context) (jobs.Result, error) {
		password := "testPassword" + strconv.FormatFloat(rand.Float64(), 'f', -1, 64)
		hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
		if err != nil {
			return nil, err
		}
		return jobs.BcryptResult{Hash: string(hash), Rounds: cost}, nil
	}
}
