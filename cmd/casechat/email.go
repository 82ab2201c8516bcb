package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/frckbrice/patrick-travel-chatsync"
)

var (
	emailCase      string
	emailRecipient string
	emailSubject   string
	emailContent   string
	emailAttach    []string
)

func init() {
	emailSendCmd.Flags().StringVar(&emailCase, "case", "", "Case the email belongs to (required)")
	emailSendCmd.Flags().StringVar(&emailRecipient, "to", "", "Durable user id of the recipient")
	emailSendCmd.Flags().StringVar(&emailSubject, "subject", "", "Subject line (required)")
	emailSendCmd.Flags().StringVar(&emailContent, "content", "", "Body text (required)")
	emailSendCmd.Flags().StringSliceVar(&emailAttach, "attach", nil, "Attachment URL (repeatable)")

	emailCmd.AddCommand(emailSendCmd)
	rootCmd.AddCommand(emailCmd)
}

var emailCmd = &cobra.Command{
	Use:   "email",
	Short: "Case email commands",
}

var emailSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a case email through the case API",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := chatsync.EmailRequest{
			RecipientID: chatsync.DurableUserID(emailRecipient),
			CaseID:      chatsync.CaseID(emailCase),
			Subject:     emailSubject,
			Content:     emailContent,
			Attachments: parseAttachments(emailAttach),
		}
		if err := req.Validate(); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()
		if rt.api == nil {
			return fmt.Errorf("no API URL. Run 'casechat init <api-url>' first")
		}

		var sender chatsync.EmailSender = rt.api
		if err := sender.SendEmail(ctx, req); err != nil {
			return fmt.Errorf("send email: %w", err)
		}
		fmt.Printf("Email sent for case %s\n", req.CaseID)
		return nil
	},
}
