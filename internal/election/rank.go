// Package election decides who proposes the next block. Ranking is a pure
// function of the eligible wallet set and the round's boundary instant, so
// every node that holds the same snapshot computes the same order. The
// quorum gate decides when rounds may run at all.
package election

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"valqueue.node/vqn/internal/types"
)

// ValueFunc maps a wallet id to the integer used for canonical ordering.
type ValueFunc func(wallet string) uint64

// Ranked is one wallet's position in a round.
type Ranked struct {
	Rank    int    `json:"rank"`
	Wallet  string `json:"wallet"`
	RankKey string `json:"rank_key"`
}

type valued struct {
	wallet string
	w      uint64
}

// canonical returns the distinct non-empty wallets ordered by value, ties
// broken by the wallet string.
func canonical(wallets []string, value ValueFunc) []valued {
	seen := make(map[string]struct{}, len(wallets))
	out := make([]valued, 0, len(wallets))
	for _, w := range wallets {
		if w == "" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, valued{wallet: w, w: value(w)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].w != out[j].w {
			return out[i].w < out[j].w
		}
		return out[i].wallet < out[j].wallet
	})
	return out
}

// Salt hashes the "#"-joined decimal values of the canonically ordered
// wallets.
func Salt(wallets []string, value ValueFunc) string {
	return salt(canonical(wallets, value))
}

func salt(ordered []valued) string {
	parts := make([]string, len(ordered))
	for i, v := range ordered {
		parts[i] = strconv.FormatUint(v.w, 10)
	}
	return types.Hash(strings.Join(parts, "#"))
}

// RankKey is hash(salt ∥ wallet ∥ sample) with the sample in Unix ms.
func RankKey(salt, wallet string, sample time.Time) string {
	return types.Hash(salt, wallet, types.FormatInstant(sample))
}

// Rank orders wallets for the round whose boundary instant is sample. Rank 1
// is the proposer. An empty input yields an empty order.
func Rank(wallets []string, sample time.Time, value ValueFunc) []Ranked {
	if value == nil {
		value = types.WalletValue
	}
	ordered := canonical(wallets, value)
	s := salt(ordered)

	out := make([]Ranked, len(ordered))
	for i, v := range ordered {
		out[i] = Ranked{Wallet: v.wallet, RankKey: RankKey(s, v.wallet, sample)}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RankKey != out[j].RankKey {
			return out[i].RankKey < out[j].RankKey
		}
		return out[i].Wallet < out[j].Wallet
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Wallets extracts the wallet ids of records.
func Wallets(records []types.PeerRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Wallet)
	}
	return out
}
