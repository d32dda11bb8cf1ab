// Package cert creates and checks X.509 device certificates.
//
// The hub accepts two kinds of device certificates: self-signed
// certificates registered by thumbprint, and certificates issued by a CA
// whose root was uploaded to the hub. In both cases the certificate's
// common name must equal the device ID.
//
//	dc, err := cert.GenerateSelfSigned("evse-001", cert.DefaultValidity)
//	if err != nil {
//		return err
//	}
//	fmt.Println(cert.Thumbprint(dc.Certificate)) // register with the hub
//	err = dc.WriteFiles("evse-001.pem", "evse-001.key")
package cert
