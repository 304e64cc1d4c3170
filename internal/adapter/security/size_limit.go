package security

import (
	"fmt"
	"net/http"

	"github.com/docker/go-units"
)

// SizeValidator enforces two ceilings, grounded on the teacher's
// adapter/security/request_size_limit.go header-estimate approach: an
// estimated total size of request line plus headers against maxHeaderSize,
// and the body size against maxBodySize. Single header lines and the URI
// are not checked against limits of their own. docker/go-units parses the human-readable config values
// ("64KiB") into the byte counts used here.
type SizeValidator struct {
	maxBodySize   int64
	maxHeaderSize int64
}

// ParseByteSize parses a human-readable size string ("8KiB", "1MB") using
// docker/go-units, falling back to the raw integer if the suffix is absent.
func ParseByteSize(s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

func NewSizeValidator(maxBodySize, maxHeaderSize int64) *SizeValidator {
	return &SizeValidator{maxBodySize: maxBodySize, maxHeaderSize: maxHeaderSize}
}

func (sv *SizeValidator) Name() string { return "size_limit" }

// Middleware rejects requests whose headers or body exceed the configured
// ceilings before any proxying work is done.
func (sv *SizeValidator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sv.maxHeaderSize > 0 {
				if size := estimateHeaderSize(r); size > sv.maxHeaderSize {
					http.Error(w, "Request Header Fields Too Large", http.StatusRequestHeaderFieldsTooLarge)
					return
				}
			}
			if sv.maxBodySize > 0 {
				if r.ContentLength > sv.maxBodySize {
					http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, sv.maxBodySize)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func estimateHeaderSize(r *http.Request) int64 {
	total := int64(len(r.Method) + len(r.URL.RequestURI()) + len(r.Proto) + 4)
	for name, values := range r.Header {
		total += int64(len(name))
		for _, v := range values {
			total += int64(len(v))
		}
		total += int64(len(values) * 4)
	}
	return total
}
