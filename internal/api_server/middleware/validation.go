package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/steambundleapi/bundleapi/internal/apierrors"
)

const (
	PageParam  = "page"
	LimitParam = "limit"
)

// PaginationValidator rejects page/limit query parameters that are not
// integers and limit values above maxLimit. Absent parameters pass through;
// defaults are applied by the handlers.
func PaginationValidator(maxLimit int, rec DecisionRecorder) func(http.Handler) http.Handler {
	rec = recorderOrNop(rec)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiErr := ValidatePagination(r, maxLimit); apiErr != nil {
				rec.RecordAdmission(StageValidation, OutcomeDenied)
				WriteError(w, apiErr)
				return
			}
			rec.RecordAdmission(StageValidation, OutcomeAllowed)
			next.ServeHTTP(w, r)
		})
	}
}

// ValidatePagination checks page before limit and reports the first problem.
func ValidatePagination(r *http.Request, maxLimit int) *apierrors.Error {
	query := r.URL.Query()

	if query.Has(PageParam) {
		if _, err := strconv.Atoi(query.Get(PageParam)); err != nil {
			return invalidParam(PageParam, "must be an integer")
		}
	}

	if query.Has(LimitParam) {
		raw := query.Get(LimitParam)
		limit, err := strconv.Atoi(raw)
		if err != nil && !overflowsUp(raw, err) {
			return invalidParam(LimitParam, "must be an integer")
		}
		if err != nil || limit > maxLimit {
			return invalidParam(LimitParam, fmt.Sprintf("must not exceed %d", maxLimit)).
				With("maximum", maxLimit)
		}
	}
	return nil
}

// overflowsUp reports whether Atoi rejected a well-formed integer only because
// it is too large for an int.
func overflowsUp(raw string, err error) bool {
	var numErr *strconv.NumError
	return errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) &&
		!strings.HasPrefix(raw, "-")
}

func invalidParam(name, reason string) *apierrors.Error {
	return apierrors.BadRequest(fmt.Sprintf("Invalid %s parameter: %s", name, reason)).
		With("parameter", name)
}
