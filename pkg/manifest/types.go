package manifest

// AppType enumerates how a tenant application is hosted.
type AppType string

const (
	// AppInproc serves routes backed by handlers registered in this binary.
	AppInproc AppType = "inproc"
	// AppProxy forwards to an upstream HTTP service.
	AppProxy AppType = "proxy"
	// AppStatic serves a directory.
	AppStatic AppType = "static"
)
