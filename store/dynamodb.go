package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Attribute names match the tables provisioned for the gateway.
const (
	attrSAN           = "subject_alternative_name"
	attrClientAppID   = "client_application_id"
	attrGrantFamily   = "grant_family"
	attrIdpID         = "idp_id"
	attrIdpBaseURL    = "idp_base_url"
	attrInternalCreds = "internal_credentials"
	attrUpstreamID    = "upstream_client_id"
	attrTokenEndpoint = "token_endpoint"
	attrClaimOwner    = "claim_owner"
	attrClaimedIdpID  = "claimed_idp_id"
	attrExpiresAt     = "expires_at"

	// Claims share the IDP table under a prefixed key.
	claimKeyPrefix = "uri#"
)

// Condition expressions used on puts and deletes.
const (
	condAbsent       = "attribute_not_exists(#k)"
	condClaimable    = "attribute_not_exists(#k) OR (attribute_not_exists(#cid) AND #exp <= :now)"
	condOwned        = "#o = :o"
	condOwnedPending = "#o = :o AND attribute_not_exists(#cid)"
)

// DynamoConfig configures the DynamoDB backend.
type DynamoConfig struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	SanTable string `yaml:"san_registry_table"`
	IdpTable string `yaml:"idp_mapping_table"`
}

// DynamoAPI is the subset of the DynamoDB client the store calls.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore keeps each registry in its own table. Reads are strongly
// consistent and puts are conditioned on attribute_not_exists.
type DynamoStore struct {
	api      DynamoAPI
	sanTable string
	idpTable string
}

// NewDynamoStore loads AWS configuration from the environment.
func NewDynamoStore(ctx context.Context, cfg DynamoConfig) (*DynamoStore, error) {
	if cfg.SanTable == "" || cfg.IdpTable == "" {
		return nil, errors.New("dynamodb: san_registry_table and idp_mapping_table are required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewDynamoStoreWithAPI(client, cfg.SanTable, cfg.IdpTable), nil
}

// NewDynamoStoreWithAPI wraps an existing client.
func NewDynamoStoreWithAPI(api DynamoAPI, sanTable, idpTable string) *DynamoStore {
	return &DynamoStore{api: api, sanTable: sanTable, idpTable: idpTable}
}

func (s *DynamoStore) GetIdpMapping(ctx context.Context, idpID string) (*IdpMapping, error) {
	item, err := s.get(ctx, s.idpTable, attrIdpID, idpID)
	if err != nil {
		return nil, err
	}
	m := &IdpMapping{
		IdpID:            str(item, attrIdpID),
		IdpBaseURL:       str(item, attrIdpBaseURL),
		UpstreamClientID: str(item, attrUpstreamID),
		TokenEndpoint:    str(item, attrTokenEndpoint),
	}
	if raw := str(item, attrInternalCreds); raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.InternalCredentials); err != nil {
			return nil, fmt.Errorf("decode internal credentials: %w", err)
		}
	}
	return m, nil
}

func (s *DynamoStore) PutIdpMapping(ctx context.Context, mapping IdpMapping) error {
	if mapping.IdpID == "" {
		return errors.New("store: idp id required")
	}
	creds, err := json.Marshal(mapping.InternalCredentials)
	if err != nil {
		return fmt.Errorf("encode internal credentials: %w", err)
	}
	item := map[string]types.AttributeValue{
		attrIdpID:         &types.AttributeValueMemberS{Value: mapping.IdpID},
		attrIdpBaseURL:    &types.AttributeValueMemberS{Value: mapping.IdpBaseURL},
		attrInternalCreds: &types.AttributeValueMemberS{Value: string(creds)},
	}
	putOptional(item, attrUpstreamID, mapping.UpstreamClientID)
	putOptional(item, attrTokenEndpoint, mapping.TokenEndpoint)
	return s.putIfAbsent(ctx, s.idpTable, attrIdpID, item)
}

func (s *DynamoStore) GetSanEntry(ctx context.Context, san string) (*SanEntry, error) {
	item, err := s.get(ctx, s.sanTable, attrSAN, san)
	if err != nil {
		return nil, err
	}
	return &SanEntry{
		SAN:         str(item, attrSAN),
		ClientID:    str(item, attrClientAppID),
		GrantFamily: str(item, attrGrantFamily),
	}, nil
}

func (s *DynamoStore) PutSanEntry(ctx context.Context, entry SanEntry) error {
	if entry.SAN == "" {
		return errors.New("store: san required")
	}
	item := map[string]types.AttributeValue{
		attrSAN:         &types.AttributeValueMemberS{Value: entry.SAN},
		attrClientAppID: &types.AttributeValueMemberS{Value: entry.ClientID},
	}
	putOptional(item, attrGrantFamily, entry.GrantFamily)
	return s.putIfAbsent(ctx, s.sanTable, attrSAN, item)
}

func (s *DynamoStore) DeleteSanEntry(ctx context.Context, san string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.sanTable),
		Key:       map[string]types.AttributeValue{attrSAN: &types.AttributeValueMemberS{Value: san}},
	})
	if err != nil {
		return fmt.Errorf("dynamodb delete: %w", err)
	}
	return nil
}

// ClaimIdpURI succeeds when no claim item exists or the existing one is a
// lapsed pending claim.
func (s *DynamoStore) ClaimIdpURI(ctx context.Context, claim IdpClaim) error {
	if claim.IdpURI == "" || claim.Owner == "" {
		return errors.New("store: idp uri and owner required")
	}
	item := claimItem(claim)
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.idpTable),
		Item:                item,
		ConditionExpression: aws.String(condClaimable),
		ExpressionAttributeNames: map[string]string{
			"#k":   attrIdpID,
			"#cid": attrClaimedIdpID,
			"#exp": attrExpiresAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": unixAttr(time.Now()),
		},
	})
	return conditionalErr(err, ErrAlreadyExists)
}

func (s *DynamoStore) GetIdpClaim(ctx context.Context, idpURI string) (*IdpClaim, error) {
	item, err := s.get(ctx, s.idpTable, attrIdpID, claimKeyPrefix+idpURI)
	if err != nil {
		return nil, err
	}
	c := &IdpClaim{
		IdpURI: str(item, attrIdpBaseURL),
		Owner:  str(item, attrClaimOwner),
		IdpID:  str(item, attrClaimedIdpID),
	}
	if v, ok := item[attrExpiresAt].(*types.AttributeValueMemberN); ok {
		secs, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", attrExpiresAt, err)
		}
		c.ExpiresAt = time.Unix(secs, 0)
	}
	if c.lapsed(time.Now()) {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *DynamoStore) CompleteIdpClaim(ctx context.Context, idpURI, owner, idpID string) error {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.idpTable),
		Item:                      claimItem(IdpClaim{IdpURI: idpURI, Owner: owner, IdpID: idpID}),
		ConditionExpression:       aws.String(condOwned),
		ExpressionAttributeNames:  map[string]string{"#o": attrClaimOwner},
		ExpressionAttributeValues: map[string]types.AttributeValue{":o": &types.AttributeValueMemberS{Value: owner}},
	})
	return conditionalErr(err, ErrNotOwner)
}

func (s *DynamoStore) ReleaseIdpClaim(ctx context.Context, idpURI, owner string) error {
	key := map[string]types.AttributeValue{attrIdpID: &types.AttributeValueMemberS{Value: claimKeyPrefix + idpURI}}
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.idpTable),
		Key:                 key,
		ConditionExpression: aws.String(condOwnedPending),
		ExpressionAttributeNames: map[string]string{
			"#o":   attrClaimOwner,
			"#cid": attrClaimedIdpID,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{":o": &types.AttributeValueMemberS{Value: owner}},
	})
	if err == nil {
		return nil
	}
	var conflict *types.ConditionalCheckFailedException
	if !errors.As(err, &conflict) {
		return fmt.Errorf("dynamodb delete: %w", err)
	}
	// A missing item fails the condition too.
	if _, getErr := s.get(ctx, s.idpTable, attrIdpID, claimKeyPrefix+idpURI); errors.Is(getErr, ErrNotFound) {
		return nil
	}
	return ErrNotOwner
}

func (s *DynamoStore) Close() error { return nil }

// claimItem stores the expiry as epoch seconds, the DynamoDB TTL format.
func claimItem(c IdpClaim) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		attrIdpID:      &types.AttributeValueMemberS{Value: claimKeyPrefix + c.IdpURI},
		attrIdpBaseURL: &types.AttributeValueMemberS{Value: c.IdpURI},
		attrClaimOwner: &types.AttributeValueMemberS{Value: c.Owner},
	}
	putOptional(item, attrClaimedIdpID, c.IdpID)
	if c.Pending() && !c.ExpiresAt.IsZero() {
		item[attrExpiresAt] = unixAttr(c.ExpiresAt)
	}
	return item
}

func unixAttr(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

func conditionalErr(err, onConflict error) error {
	if err == nil {
		return nil
	}
	var conflict *types.ConditionalCheckFailedException
	if errors.As(err, &conflict) {
		return onConflict
	}
	return fmt.Errorf("dynamodb put: %w", err)
}

func (s *DynamoStore) get(ctx context.Context, table, keyAttr, key string) (map[string]types.AttributeValue, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            map[string]types.AttributeValue{keyAttr: &types.AttributeValueMemberS{Value: key}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return out.Item, nil
}

func (s *DynamoStore) putIfAbsent(ctx context.Context, table, keyAttr string, item map[string]types.AttributeValue) error {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(table),
		Item:                item,
		ConditionExpression: aws.String(condAbsent),
		ExpressionAttributeNames: map[string]string{
			"#k": keyAttr,
		},
	})
	return conditionalErr(err, ErrAlreadyExists)
}

func str(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func putOptional(item map[string]types.AttributeValue, name, value string) {
	if value != "" {
		item[name] = &types.AttributeValueMemberS{Value: value}
	}
}
