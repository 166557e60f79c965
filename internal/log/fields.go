package log

// Common field names for structured logging
const (
	FieldComponent     = "component"
	FieldRequestID     = "request_id"
	FieldClientIP      = "client_ip"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldStatusCode    = "status_code"
	FieldDuration      = "duration_ms"
	FieldError         = "error"
	FieldOperation     = "operation"
	FieldYear          = "year"
	FieldCategoryCode  = "category_code"
	FieldTransactionID = "transaction_id"
	FieldInquiryID     = "inquiry_id"
	FieldFingerprint   = "fingerprint"
	FieldRowCount      = "row_count"
	FieldImported      = "imported"
	FieldSkipped       = "skipped"
	FieldFailed        = "failed"
)

// Components defines standard component names
const (
	ComponentApp     = "app"
	ComponentHTTP    = "http"
	ComponentImport  = "import"
	ComponentBudget  = "budget"
	ComponentInquiry = "inquiry"
	ComponentStorage = "storage"
	ComponentAMQP    = "amqp"
	ComponentWorker  = "worker"
	ComponentReport  = "report"
	ComponentCache   = "cache"
)

// Operations defines standard operation names
const (
	OpCreate    = "create"
	OpRead      = "read"
	OpUpdate    = "update"
	OpDelete    = "delete"
	OpList      = "list"
	OpImport    = "import"
	OpAggregate = "aggregate"
	OpMatch     = "match"
	OpExport    = "export"
	OpShutdown  = "shutdown"
	OpStartup   = "startup"
)
