// Package auth parses device connection strings and supplies the
// credentials a transport presents to the hub.
//
// Three providers exist:
//   - SASTokenProvider signs tokens from a shared access key and renews
//     them before they expire
//   - StaticTokenProvider hands out a pre-signed token until its expiry
//   - X509Provider presents a client certificate (PEM pair or PKCS#12)
//
// Token format:
//
//	SharedAccessSignature sr={url-encoded audience}&sig={signature}&se={unix expiry}[&skn={key name}]
//
// where signature = base64(HMAC-SHA256(key, sr + "\n" + se)).
package auth
