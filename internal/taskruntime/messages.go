package taskruntime

// User-visible status messages.
const (
	MsgInitFailed         = "FHEVM initialization failed"
	MsgLoadFailed         = "Failed to load data"
	MsgConnectWallet      = "Please connect wallet first"
	MsgFillRequired       = "Please fill in all required fields"
	MsgCreating           = "Creating compute task with Zama FHE..."
	MsgAwaitingConfirm    = "Waiting for transaction confirmation..."
	MsgCreated            = "Compute task created successfully!"
	MsgRejected           = "Transaction rejected by user"
	MsgSubmissionFailed   = "Submission failed: "
	MsgStoredVerified     = "Data already verified on-chain"
	MsgVerifying          = "Verifying decryption on-chain..."
	MsgDecrypted          = "Data decrypted and verified successfully!"
	MsgRaceVerified       = "Data is already verified on-chain"
	MsgDecryptionFailed   = "Decryption failed: "
	MsgAvailable          = "Contract is available!"
	MsgAvailabilityFailed = "Availability check failed"
)
