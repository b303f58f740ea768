package github

// repository is the subset of the GitHub repository resource that is read.
type repository struct {
	FullName      string      `json:"full_name"`
	CloneURL      string      `json:"clone_url"`
	DefaultBranch string      `json:"default_branch"`
	Fork          bool        `json:"fork"`
	Owner         account     `json:"owner"`
	Parent        *repository `json:"parent,omitempty"`
}

type account struct {
	Login string `json:"login"`
}

type forkRequest struct {
	DefaultBranchOnly bool `json:"default_branch_only"`
}

type pullRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Draft bool   `json:"draft"`
}

type pullResponse struct {
	HTMLURL string `json:"html_url"`
	Number  int    `json:"number"`
}

type issue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
}

// pullSummary is an entry of the pull request list.
type pullSummary struct {
	Number  int     `json:"number"`
	HTMLURL string  `json:"html_url"`
	Title   string  `json:"title"`
	Body    string  `json:"body"`
	State   string  `json:"state"`
	User    account `json:"user"`
	Head    struct {
		Ref  string      `json:"ref"`
		Repo *repository `json:"repo"`
	} `json:"head"`
}

// errorResponse is GitHub's error body.
type errorResponse struct {
	Message string `json:"message"`
	Errors  []struct {
		Message string `json:"message"`
		Code    string `json:"code"`
		Field   string `json:"field"`
	} `json:"errors"`
}

func (e errorResponse) summary() string {
	msg := e.Message
	for _, d := range e.Errors {
		if d.Message != "" {
			msg += ": " + d.Message
		} else if d.Code != "" {
			msg += ": " + d.Field + " " + d.Code
		}
	}
	return msg
}
