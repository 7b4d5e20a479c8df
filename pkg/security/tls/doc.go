/*
Package tls builds crypto/tls configurations from config.TLSConfig.

Two sides are covered:

  - ServerConfig for the telemetry listener started by "spendguard serve".
    The certificate is served through a CertificateReloader so renewed
    files are picked up without a restart. Setting ca_file requires
    scrapers to present a client certificate signed by that CA.

  - ClientConfig for the remote price source. ca_file trusts a private
    publisher CA; cert_file and key_file present a client certificate to
    publishers that require mTLS.

Only TLS 1.2 and 1.3 are accepted. Certificates that are expired or not
yet valid are refused at load time.

	reloader := tls.NewCertificateReloader(cfg.CertFile, cfg.KeyFile, cfg.ReloadInterval, logger)
	if err := reloader.Start(ctx); err != nil {
		return err
	}
	serverTLS, err := tls.ServerConfig(cfg, reloader)
*/
package tls
