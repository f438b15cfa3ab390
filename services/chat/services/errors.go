// Copyright (C) 2025 NestWiki Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"errors"
	"fmt"
)

// ErrStreamBusy is returned when the worker pool is saturated and no
// streaming slot is available.
var ErrStreamBusy = errors.New("streaming capacity exhausted, try again later")

// RetrievalError wraps a document retrieval failure. Turns degrade to
// ungrounded answers on retrieval errors; the wrapper lets callers
// classify them for metrics.
type RetrievalError struct {
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("document retrieval failed: %v", e.Err)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}
