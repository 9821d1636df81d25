package anthropic

// apiError is the body of an Anthropic error response:
//
//	{"type":"error","error":{"type":"rate_limit_error","message":"..."}}
type apiError struct {
	Type  string        `json:"type"`
	Error *apiErrDetail `json:"error"`
}

type apiErrDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
