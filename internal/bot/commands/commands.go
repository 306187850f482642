package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auction-engine/internal/auction"
)

// Engine is the subset of the bid engine the slash commands call.
type Engine interface {
	Snapshot(ctx context.Context, auctionID string) (auction.Snapshot, error)
	PlaceBid(ctx context.Context, req auction.BidRequest) (auction.BidResult, error)
	TransitionStage(ctx context.Context, req auction.TransitionRequest) (auction.Snapshot, error)
}

// Handlers process Discord interactions.
type Handlers struct {
	engine Engine
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandlers creates new command handlers.
func NewHandlers(engine Engine, logger *slog.Logger, tp trace.TracerProvider) *Handlers {
	return &Handlers{
		engine: engine,
		logger: logger,
		tracer: tp.Tracer("github.com/jensholdgaard/auction-engine/internal/bot/commands"),
	}
}

var manageServer int64 = discordgo.PermissionManageServer

func auctionIDOption(desc string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "auction-id",
		Description: desc,
		Required:    true,
	}
}

// SlashCommands returns the slash command definitions.
func SlashCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "auction-status",
			Description: "Show the current price, leader and end time of an auction",
			Options:     []*discordgo.ApplicationCommandOption{auctionIDOption("Auction to show")},
		},
		{
			Name:        "bid",
			Description: "Place a bid, optionally with a proxy ceiling",
			Options: []*discordgo.ApplicationCommandOption{
				auctionIDOption("Auction to bid on"),
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "amount",
					Description: "Bid amount in minor units",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "max",
					Description: "Highest amount the system may bid on your behalf",
					Required:    false,
				},
			},
		},
		{
			Name:                     "auction-approve",
			Description:              "Approve a draft auction (admin only)",
			DefaultMemberPermissions: &manageServer,
			Options:                  []*discordgo.ApplicationCommandOption{auctionIDOption("Auction to approve")},
		},
		{
			Name:                     "auction-start",
			Description:              "Open an approved auction for bidding now (admin only)",
			DefaultMemberPermissions: &manageServer,
			Options:                  []*discordgo.ApplicationCommandOption{auctionIDOption("Auction to start")},
		},
		{
			Name:                     "auction-cancel",
			Description:              "Cancel an auction (admin only)",
			DefaultMemberPermissions: &manageServer,
			Options: []*discordgo.ApplicationCommandOption{
				auctionIDOption("Auction to cancel"),
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "reason",
					Description: "Reason shown in the audit log",
					Required:    false,
				},
			},
		},
	}
}

// InteractionCreate handles incoming slash command interactions.
func (h *Handlers) InteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	respond(s, i, h.Execute(context.Background(), data.Name, userID(i), data.Options))
}

// Execute runs the named command on behalf of the Discord user and returns
// the reply text.
func (h *Handlers) Execute(ctx context.Context, name, user string, opts []*discordgo.ApplicationCommandInteractionDataOption) string {
	ctx, span := h.tracer.Start(ctx, "InteractionCreate",
		trace.WithAttributes(attribute.String("command", name)),
	)
	defer span.End()

	if user == "" {
		return "Could not determine who sent this command."
	}
	ref := "discord:" + user
	o := optionMap(opts)

	switch name {
	case "auction-status":
		return h.handleStatus(ctx, o)
	case "bid":
		return h.handleBid(ctx, ref, o)
	case "auction-approve":
		return h.handleTransition(ctx, ref, o, auction.StageApproved)
	case "auction-start":
		return h.handleTransition(ctx, ref, o, auction.StageLive)
	case "auction-cancel":
		return h.handleTransition(ctx, ref, o, auction.StageCancelled)
	default:
		return "Unknown command"
	}
}

func (h *Handlers) handleStatus(ctx context.Context, o options) string {
	snap, err := h.engine.Snapshot(ctx, o.text("auction-id"))
	if err != nil {
		return h.failure(ctx, "Status", err)
	}
	return FormatSnapshot(snap)
}

func (h *Handlers) handleBid(ctx context.Context, bidder string, o options) string {
	req := auction.BidRequest{
		AuctionID: o.text("auction-id"),
		BidderRef: bidder,
		Amount:    o.number("amount"),
	}
	if ceiling, ok := o.optionalNumber("max"); ok {
		req.ProxyCeiling = &ceiling
	}

	res, err := h.engine.PlaceBid(ctx, req)
	if err != nil {
		return h.failure(ctx, "Bid", err)
	}
	if res.Status == auction.BidLeading {
		return fmt.Sprintf("You are leading auction `%s` at **%d** (ends %s).",
			req.AuctionID, res.CurrentPrice, res.CurrentEnd.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("Bid accepted but you were outbid on auction `%s`. Current price: **%d**.",
		req.AuctionID, res.CurrentPrice)
}

func (h *Handlers) handleTransition(ctx context.Context, authorizer string, o options, target auction.Stage) string {
	snap, err := h.engine.TransitionStage(ctx, auction.TransitionRequest{
		AuctionID:     o.text("auction-id"),
		Target:        target,
		AuthorizerRef: authorizer,
		Reason:        o.text("reason"),
	})
	if err != nil {
		return h.failure(ctx, "Transition", err)
	}
	return fmt.Sprintf("Auction `%s` is now **%s**.", snap.AuctionID, snap.Stage)
}

// failure turns an engine error into a reply. Internal errors are logged and
// not shown to the user.
func (h *Handlers) failure(ctx context.Context, op string, err error) string {
	switch {
	case errors.Is(err, auction.ErrNotFound):
		return "Auction not found."
	case errors.Is(err, auction.ErrConflict):
		return "The auction is busy, please try again."
	case errors.Is(err, auction.ErrValidation),
		errors.Is(err, auction.ErrState),
		errors.Is(err, auction.ErrConfiguration):
		return fmt.Sprintf("%s rejected: %s", op, err)
	default:
		h.logger.ErrorContext(ctx, "command failed", slog.String("op", op), slog.Any("error", err))
		return fmt.Sprintf("%s failed, please try again later.", op)
	}
}

// FormatSnapshot renders an auction snapshot as a chat message.
func FormatSnapshot(s auction.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** (`%s`) is **%s**\n", s.Title, s.AuctionID, s.Stage)
	switch {
	case s.Stage.Terminal() && s.WinnerRef != "" && s.FinalPrice != nil:
		fmt.Fprintf(&b, "Won by %s for **%d**\n", s.WinnerRef, *s.FinalPrice)
	case s.Stage.Terminal():
		b.WriteString("No winner\n")
	case s.LeaderRef != "":
		fmt.Fprintf(&b, "Current price: **%d** by %s (%d bidders)\n", s.CurrentPrice, s.LeaderRef, s.BidderCount)
		fmt.Fprintf(&b, "Minimum next bid: %d\n", s.MinimumBid)
	default:
		fmt.Fprintf(&b, "No bids yet. Minimum bid: %d\n", s.MinimumBid)
	}
	if !s.Stage.Terminal() {
		fmt.Fprintf(&b, "Ends: %s", s.CurrentEnd.UTC().Format(time.RFC3339))
		if s.ExtensionCount > 0 {
			fmt.Fprintf(&b, " (extended %d times)", s.ExtensionCount)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

type options map[string]*discordgo.ApplicationCommandInteractionDataOption

func optionMap(opts []*discordgo.ApplicationCommandInteractionDataOption) options {
	m := make(options, len(opts))
	for _, o := range opts {
		m[o.Name] = o
	}
	return m
}

func (o options) text(name string) string {
	opt, ok := o[name]
	if !ok || opt.Type != discordgo.ApplicationCommandOptionString {
		return ""
	}
	return strings.TrimSpace(opt.StringValue())
}

func (o options) number(name string) int64 {
	v, _ := o.optionalNumber(name)
	return v
}

func (o options) optionalNumber(name string) (int64, bool) {
	opt, ok := o[name]
	if !ok || opt.Type != discordgo.ApplicationCommandOptionInteger {
		return 0, false
	}
	return opt.IntValue(), true
}

func userID(i *discordgo.InteractionCreate) string {
	switch {
	case i.Member != nil && i.Member.User != nil:
		return i.Member.User.ID
	case i.User != nil:
		return i.User.ID
	}
	return ""
}

func respond(s *discordgo.Session, i *discordgo.InteractionCreate, msg string) {
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: msg,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}
