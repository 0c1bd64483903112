package constants

// Static route constants
const (
	HealthRoute          = "/healthz"
	ProviderWebhookRoute = "/webhooks/:provider"
	AdminAPIPrefix       = "/api/v1/admin"
)
