package imaging

import "errors"

// ErrDecode is returned when uploaded bytes cannot be decoded as an image.
var ErrDecode = errors.New("invalid image data")
