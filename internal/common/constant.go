package common

// ClientIDHeaderName is the HTTP header carrying the persistent client id
// when dialing the channel endpoint. The server uses it to look up the
// session it last issued to this client.
const ClientIDHeaderName = "X-Tether-Client-Id"
