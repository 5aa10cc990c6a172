package consts

// AddressHeaders lists the header fields whose values are scanned for
// addresses. Matching against them is case-insensitive.
var AddressHeaders = []string{
	"From",
	"To",
	"CC",
	"BCC",
}

// MaildirTmp is the maildir subdirectory holding messages still being
// delivered.
const MaildirTmp = "tmp"
