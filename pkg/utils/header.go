package utils

const (
	HEADER_AUTH_KEY     = "Authorization"
	HEADER_BEARER_TOKEN = "Bearer "
	HEADER_REQUEST_ID   = "X-Request-Id"
	// websocket clients cannot set headers from a browser
	QUERY_ACCESS_TOKEN = "access_token"
)
