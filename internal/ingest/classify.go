package ingest

import "time"

// StateFromResult maps a fetch outcome to the state row recorded for it.
func StateFromResult(url string, res FetchResult, checkedAt time.Time) FetchState {
	checked := checkedAt
	switch res.Kind {
	case ResultNotModified:
		return FetchState{
			URL:           url,
			StatusCode:    Ptr(304),
			LastCheckedAt: &checked,
		}
	case ResultSuccess:
		text := res.Text
		hash := res.ContentHash
		length := res.ByteLength
		return FetchState{
			URL:           url,
			ETag:          nonEmpty(res.ETag),
			LastModified:  nonEmpty(res.LastModified),
			ContentHash:   &hash,
			Content:       &text,
			ContentBytes:  &length,
			ContentType:   nonEmpty(res.ContentType),
			StatusCode:    Ptr(200),
			FetchedAt:     &checked,
			LastCheckedAt: &checked,
			WasTruncated:  res.Truncated,
			IsTooLarge:    res.TooLarge,
		}
	default:
		state := FetchState{
			URL:           url,
			ContentType:   nonEmpty(res.ContentType),
			LastCheckedAt: &checked,
			ErrorMessage:  nonEmpty(res.Message),
		}
		if res.StatusCode != 0 {
			state.StatusCode = Ptr(res.StatusCode)
		}
		if state.ErrorMessage == nil {
			state.ErrorMessage = Ptr(res.Kind.String())
		}
		return state
	}
}
