package config

// commonDefaults apply to every service before environment overrides.
var commonDefaults = map[string]string{
	"PODSERVE_USER": "podserve",
	"PODSERVE_UID":  "1000",
	"PODSERVE_GID":  "1000",

	"LOG_LEVEL":  "info",
	"LOG_FORMAT": "text",

	"DATA_DIR":   "/data",
	"CONFIG_DIR": "/data/config",
	"LOGS_DIR":   "/data/logs",
	"STATE_DIR":  "/data/state",

	"SSL_ENABLED":  "auto",
	"SSL_CERT_DIR": "/data/state/certificates",

	"HEALTH_CHECK_PORT":       "8080",
	"HEALTH_CHECK_INTERVAL":   "1",
	"HEALTH_PROBE_TIMEOUT_MS": "500",
	"MIN_READY_TIME":          "5",
}

// serviceDefaults returns defaults specific to the named service.
func serviceDefaults(service string) map[string]string {
	switch service {
	case "mail":
		return map[string]string{
			"MAIL_SERVER_NAME":   "mail.localhost",
			"MAIL_DOMAIN":        "localhost",
			"MAIL_DATA_DIR":      "/var/mail/vhosts",
			"POSTFIX_CONFIG_DIR": "/etc/postfix",
			"DOVECOT_CONFIG_DIR": "/etc/dovecot",
		}
	case "web":
		return map[string]string{
			"WEB_SERVER_NAME":   "localhost",
			"WEB_SERVER_ADMIN":  "admin@localhost",
			"WEB_DOCUMENT_ROOT": "/data/web/html",
			"WEB_CONFIG_DIR":    "/etc/apache2",
		}
	case "dns":
		return map[string]string{
			"DNS_DOMAIN":          "localhost",
			"DNS_SERVER_NAME":     "ns.localhost",
			"DNS_FORWARDERS":      "8.8.8.8;1.1.1.1",
			"DNS_LISTEN_ADDRESS":  "0.0.0.0",
			"DNS_ALLOW_QUERY":     "any",
			"DNS_ALLOW_RECURSION": "yes",
			"DNS_IP_ADDRESS":      "127.0.0.1",
		}
	case "cert":
		return map[string]string{
			"CERT_MODE":           "self-signed",
			"CERT_EMAIL":          "admin@localhost",
			"CERT_DOMAINS":        "localhost",
			"CERT_WEBROOT":        "/data/web/html",
			"CERT_RENEW_SCHEDULE": "0 3 * * *",
		}
	default:
		return nil
	}
}
