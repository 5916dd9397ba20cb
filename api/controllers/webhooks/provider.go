package webhooks

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cadencehq/cadence-backend/api/responses"
	"github.com/cadencehq/cadence-backend/internal/reconcile"
	"github.com/cadencehq/cadence-backend/pkg/enums"
	pkgerrors "github.com/cadencehq/cadence-backend/pkg/errors"
	"github.com/cadencehq/cadence-backend/pkg/logger"
)

const maxWebhookBody = 1 << 20

// signatureHeaders maps each provider to the header its deliveries sign.
var signatureHeaders = map[enums.Provider]string{
	enums.ProviderStripe: "Stripe-Signature",
	enums.ProviderSquare: "X-Square-Hmacsha256-Signature",
}

// Settlement receives provider deliveries on /webhooks/{provider}. A rejected
// delivery maps to the error's HTTP status so a misconfigured endpoint shows
// up in the provider dashboard; AckRetry answers 503 to force redelivery.
func Settlement(svc reconcile.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reconcile service unavailable"))
			return
		}

		provider, err := enums.ParseProvider(chi.URLParam(r, "provider"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "unknown settlement provider"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		signature := r.Header.Get(signatureHeaders[provider])

		ack, err := svc.HandleWebhook(ctx, provider, payload, signature)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if ack == reconcile.AckRetry {
			responses.WriteSuccessStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "retry"})
			return
		}
		responses.WriteSuccess(w, map[string]string{"status": "ok"})
	}
}
