package fetcher

// Class はHTTPステータスコードのリトライ上の分類。
type Class int

const (
	// ClassOK は2xx。
	ClassOK Class = iota
	// ClassNotModified は304。条件付きGETのヒットでありエラーではない。
	ClassNotModified
	// ClassNonRetryable は即座に返すステータス（400/401/403/404/405/410/422）。
	ClassNonRetryable
	// ClassRetryable はバックオフしてリトライするステータス（408/429/500/502/503/504）。
	ClassRetryable
	// ClassTerminal はリトライせずエラーとして返すその他の非2xx。
	ClassTerminal
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassNotModified:
		return "not_modified"
	case ClassNonRetryable:
		return "non_retryable"
	case ClassRetryable:
		return "retryable"
	default:
		return "terminal"
	}
}

// Classify はHTTPステータスコードを分類する。
func Classify(statusCode int) Class {
	switch statusCode {
	case 304:
		return ClassNotModified
	case 400, 401, 403, 404, 405, 410, 422:
		return ClassNonRetryable
	case 408, 429, 500, 502, 503, 504:
		return ClassRetryable
	}
	if statusCode >= 200 && statusCode < 300 {
		return ClassOK
	}
	return ClassTerminal
}

// IsBlockedBySite は記事ページの取得がサイト側に拒否されたことを示すステータスかを返す。
// 品質による除外とは区別して扱う（401/403/429）。
func IsBlockedBySite(statusCode int) bool {
	return statusCode == 401 || statusCode == 403 || statusCode == 429
}
