// Package dedup はスイープ時の多段重複排除で使うハッシュと直近ハッシュ集合を提供する。
package dedup

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
)

// RecentCapacity はフィードごとに保持する直近記事ハッシュの上限。
const RecentCapacity = 200

// ContentHash はレスポンスボディのSHA-256を16進文字列で返す（L2キャッシュ用）。
func ContentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ArticleID は正規化URLから記事IDを算出する。
// 同じ正規化URLからは常に同じIDが得られ、冪等なUPSERTのキーになる。
func ArticleID(normalizedURL string) string {
	sum := sha1.Sum([]byte(normalizedURL))
	return hex.EncodeToString(sum[:])
}

// RecentSet は容量制限付きの順序付きハッシュ集合（L0キャッシュ）。
// 先頭が最も古く、末尾が最も新しい。容量を超えると先頭から追い出す。
// Feedエンティティの一部として値で受け渡し、グローバル状態は持たない。
type RecentSet struct {
	capacity int
	order    []string
	index    map[string]struct{}
}

// NewRecentSet は既存のハッシュ列からRecentSetを構築する。
// capacityが0以下の場合はRecentCapacityを使う。
// 重複は後方の出現を優先し、容量を超える分は古い側から切り捨てる。
func NewRecentSet(hashes []string, capacity int) *RecentSet {
	if capacity <= 0 {
		capacity = RecentCapacity
	}
	s := &RecentSet{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		index:    make(map[string]struct{}, capacity),
	}
	for _, h := range hashes {
		s.Touch(h)
	}
	return s
}

// Contains はハッシュが集合に含まれるかを返す。
func (s *RecentSet) Contains(hash string) bool {
	_, ok := s.index[hash]
	return ok
}

// Touch はハッシュを最新位置に追加（既存なら移動）する。
func (s *RecentSet) Touch(hash string) {
	if hash == "" {
		return
	}
	if _, ok := s.index[hash]; ok {
		for i, h := range s.order {
			if h == hash {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.order = append(s.order, hash)
	s.index[hash] = struct{}{}

	for len(s.order) > s.capacity {
		evicted := s.order[0]
		s.order = s.order[1:]
		delete(s.index, evicted)
	}
}

// Len は集合の要素数を返す。
func (s *RecentSet) Len() int {
	return len(s.order)
}

// Hashes は古い順のハッシュ列のコピーを返す。
func (s *RecentSet) Hashes() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
