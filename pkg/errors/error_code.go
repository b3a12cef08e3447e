package errors

const (
	RequestParameterInvalid int = 4001
	RequestDataExists       int = 4002
	RequestDataNotExisted   int = 4004
	InvalidOperation        int = 4016

	InternalError     int = 5000
	InvalidDataError  int = 5001
	CodeDatabaseError     = 5002
	ServiceUnavailable    = 5003

	CodeInitializeError = 7001
	CodeLackOfConfig    = 7002

	CodeRemoteServiceError = 8001
	CodeRateLimited        = 8003
)
