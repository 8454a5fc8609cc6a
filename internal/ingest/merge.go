package ingest

// MergeFetchState applies a new outcome on top of the stored state.
//
// Validators and content fields keep the stored value when the new outcome leaves
// them nil. Status, check time, error message and the truncation flags always take
// the new outcome's value. A nil old state means the row does not exist yet.
// SQL stores encode the same rule in their ON CONFLICT clause.
func MergeFetchState(old *FetchState, next FetchState) FetchState {
	if old == nil {
		return next
	}
	return FetchState{
		URL:           next.URL,
		ETag:          coalesce(next.ETag, old.ETag),
		LastModified:  coalesce(next.LastModified, old.LastModified),
		ContentHash:   coalesce(next.ContentHash, old.ContentHash),
		Content:       coalesce(next.Content, old.Content),
		ContentBytes:  coalesce(next.ContentBytes, old.ContentBytes),
		ContentType:   coalesce(next.ContentType, old.ContentType),
		FetchedAt:     coalesce(next.FetchedAt, old.FetchedAt),
		StatusCode:    next.StatusCode,
		LastCheckedAt: next.LastCheckedAt,
		ErrorMessage:  next.ErrorMessage,
		WasTruncated:  next.WasTruncated,
		IsTooLarge:    next.IsTooLarge,
	}
}

func coalesce[T any](next, old *T) *T {
	if next != nil {
		return next
	}
	return old
}
